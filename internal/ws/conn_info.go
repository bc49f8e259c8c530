package ws

import (
	"time"

	"github.com/google/uuid"

	"dm-service/internal/observability"
)

// ConnInfo describes one live thread session.
type ConnInfo struct {
	ConnID      string
	UserID      string
	PeerID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) identity() observability.WSIdentity {
	return observability.WSIdentity{UserID: i.UserID, DeviceID: i.DeviceID, IP: i.IP}
}

func newConnID() string {
	return uuid.NewString()
}
