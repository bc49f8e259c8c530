package thread

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// memMessages is an in-memory MessageRepository with the same ownership
// and reply-reference rules as the SQL schema.
type memMessages struct {
	mu   sync.Mutex
	base time.Time
	tick int
	msgs map[string]models.Message
}

func newMemMessages() *memMessages {
	return &memMessages{base: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), msgs: make(map[string]models.Message)}
}

func (r *memMessages) nextTime() time.Time {
	r.tick++
	return r.base.Add(time.Duration(r.tick) * time.Second)
}

func (r *memMessages) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ReplyToID != nil {
		if _, ok := r.msgs[*msg.ReplyToID]; !ok {
			return models.Message{}, repositories.ErrReplyUnavailable
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = r.nextTime()
	msg.UpdatedAt = msg.CreatedAt
	r.msgs[msg.ID] = msg
	return msg, nil
}

// insertAt stores msg with an explicit timestamp.
func (r *memMessages) insertAt(msg models.Message, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.CreatedAt, msg.UpdatedAt = at, at
	r.msgs[msg.ID] = msg
}

func (r *memMessages) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg, nil
}

func (r *memMessages) ListThread(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Message
	for _, m := range r.msgs {
		if m.InPair(userID, peerID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMessages) UpdateContent(ctx context.Context, senderID, messageID, content string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	if msg.SenderID != senderID {
		return models.Message{}, repositories.ErrNotSender
	}
	msg.Content = content
	msg.Edited = true
	msg.UpdatedAt = r.nextTime()
	r.msgs[messageID] = msg
	return msg, nil
}

func (r *memMessages) DeleteMessage(ctx context.Context, senderID, messageID string) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	if msg.SenderID != senderID {
		return models.Message{}, repositories.ErrNotSender
	}
	delete(r.msgs, messageID)
	for id, m := range r.msgs {
		if m.ReplyToID != nil && *m.ReplyToID == messageID {
			m.ReplyToID = nil
			r.msgs[id] = m
		}
	}
	return msg, nil
}

func (r *memMessages) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// memIdentities serves the identity lookups threads and contacts need.
type memIdentities struct {
	repositories.IdentityRepository
	byID map[string]models.Identity
}

func newMemIdentities(ids ...models.Identity) *memIdentities {
	m := &memIdentities{byID: make(map[string]models.Identity)}
	for _, id := range ids {
		m.byID[id.ID] = id
	}
	return m
}

func (m *memIdentities) FindByHandle(ctx context.Context, handle string) (models.IdentitySummary, error) {
	for _, id := range m.byID {
		if id.Handle == handle {
			return models.IdentitySummary{ID: id.ID, DisplayName: id.DisplayName}, nil
		}
	}
	return models.IdentitySummary{}, repositories.ErrIdentityNotFound
}

func (m *memIdentities) GetIdentities(ctx context.Context, ids []string) ([]models.Identity, error) {
	var out []models.Identity
	for _, id := range ids {
		if identity, ok := m.byID[id]; ok {
			out = append(out, identity)
		}
	}
	return out, nil
}

// memContacts is an in-memory ContactRepository.
type memContacts struct {
	mu    sync.Mutex
	edges []models.Contact
}

func (r *memContacts) CreateContact(ctx context.Context, ownerID, peerID string) (models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.edges {
		if e.OwnerID == ownerID && e.PeerID == peerID {
			return models.Contact{}, repositories.ErrContactExists
		}
	}
	c := models.Contact{ID: uuid.NewString(), OwnerID: ownerID, PeerID: peerID, CreatedAt: time.Now()}
	r.edges = append(r.edges, c)
	return c, nil
}

func (r *memContacts) ContactExists(ctx context.Context, ownerID, peerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.edges {
		if e.OwnerID == ownerID && e.PeerID == peerID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memContacts) DeleteContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.edges {
		if e.ID == contactID && e.OwnerID == ownerID {
			r.edges = append(r.edges[:i], r.edges[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *memContacts) ListContacts(ctx context.Context, ownerID string) ([]models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Contact
	for i := len(r.edges) - 1; i >= 0; i-- {
		if r.edges[i].OwnerID == ownerID {
			out = append(out, r.edges[i])
		}
	}
	return out, nil
}

// gatedStore wraps a Store to count, fail or hold thread fetches.
type gatedStore struct {
	Store
	lists   atomic.Int32
	failing atomic.Bool

	mu    sync.Mutex
	holds map[string]chan struct{}
}

func newGatedStore(inner Store) *gatedStore {
	return &gatedStore{Store: inner, holds: make(map[string]chan struct{})}
}

// hold blocks fetches of peer's thread until the returned func is called.
// Held fetches ignore cancellation.
func (p *gatedStore) hold(peer string) func() {
	gate := make(chan struct{})
	p.mu.Lock()
	p.holds[peer] = gate
	p.mu.Unlock()
	return func() { close(gate) }
}

func (p *gatedStore) ListThread(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	p.lists.Add(1)
	p.mu.Lock()
	gate := p.holds[peerID]
	p.mu.Unlock()
	if gate != nil {
		<-gate
		msgs, err := p.Store.ListThread(context.Background(), userID, peerID)
		return msgs, err
	}
	if p.failing.Load() {
		return nil, errBoom
	}
	return p.Store.ListThread(ctx, userID, peerID)
}

func (p *gatedStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	return p.Store.GetMessage(context.WithoutCancel(ctx), messageID)
}

func (p *gatedStore) GetIdentities(ctx context.Context, ids []string) ([]models.Identity, error) {
	return p.Store.GetIdentities(context.WithoutCancel(ctx), ids)
}

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
