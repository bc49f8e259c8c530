package grpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const validateTokenMethod = "/identity.v1.IdentityProvider/ValidateToken"

// ErrInvalidToken is returned for tokens the provider does not accept.
var ErrInvalidToken = errors.New("invalid token")

// Session is the identity a token authenticates.
type Session struct {
	IdentityID  string
	DisplayName string
}

// IdentityClient talks to the external identity provider.
type IdentityClient struct {
	conn grpc.ClientConnInterface
}

// NewIdentityClient constructs the wrapper.
func NewIdentityClient(conn grpc.ClientConnInterface) *IdentityClient {
	return &IdentityClient{conn: conn}
}

// Dial opens an instrumented, plaintext client connection to addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	return grpc.NewClient(addr, opts...)
}

// ValidateToken verifies the bearer token and returns the session it names.
func (c *IdentityClient) ValidateToken(ctx context.Context, token string) (Session, error) {
	req, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return Session{}, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		return Session{}, err
	}

	fields := resp.GetFields()
	session := Session{
		IdentityID:  fields["identity_id"].GetStringValue(),
		DisplayName: fields["display_name"].GetStringValue(),
	}
	if !fields["valid"].GetBoolValue() || session.IdentityID == "" {
		return Session{}, ErrInvalidToken
	}
	return session, nil
}
