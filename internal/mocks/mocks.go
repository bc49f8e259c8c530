package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
	"dm-service/internal/notify"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
)

type IdentityRepositoryMock struct {
	mock.Mock
}

func (m *IdentityRepositoryMock) FindByHandle(ctx context.Context, handle string) (models.IdentitySummary, error) {
	args := m.Called(ctx, handle)
	var summary models.IdentitySummary
	if val := args.Get(0); val != nil {
		summary = val.(models.IdentitySummary)
	}
	return summary, args.Error(1)
}

func (m *IdentityRepositoryMock) GetIdentity(ctx context.Context, id string) (models.Identity, error) {
	args := m.Called(ctx, id)
	var identity models.Identity
	if val := args.Get(0); val != nil {
		identity = val.(models.Identity)
	}
	return identity, args.Error(1)
}

func (m *IdentityRepositoryMock) GetIdentities(ctx context.Context, ids []string) ([]models.Identity, error) {
	args := m.Called(ctx, ids)
	var list []models.Identity
	if val := args.Get(0); val != nil {
		list = val.([]models.Identity)
	}
	return list, args.Error(1)
}

func (m *IdentityRepositoryMock) CreateIdentity(ctx context.Context, identity models.Identity) (models.Identity, error) {
	args := m.Called(ctx, identity)
	var created models.Identity
	if val := args.Get(0); val != nil {
		created = val.(models.Identity)
	}
	return created, args.Error(1)
}

func (m *IdentityRepositoryMock) UpdateHandle(ctx context.Context, caller, id, handle string) error {
	args := m.Called(ctx, caller, id, handle)
	return args.Error(0)
}

func (m *IdentityRepositoryMock) UpdateProfile(ctx context.Context, caller, id string, displayName, avatarColor *string) (models.Identity, error) {
	args := m.Called(ctx, caller, id, displayName, avatarColor)
	var identity models.Identity
	if val := args.Get(0); val != nil {
		identity = val.(models.Identity)
	}
	return identity, args.Error(1)
}

type ContactRepositoryMock struct {
	mock.Mock
}

func (m *ContactRepositoryMock) CreateContact(ctx context.Context, ownerID, peerID string) (models.Contact, error) {
	args := m.Called(ctx, ownerID, peerID)
	var contact models.Contact
	if val := args.Get(0); val != nil {
		contact = val.(models.Contact)
	}
	return contact, args.Error(1)
}

func (m *ContactRepositoryMock) ContactExists(ctx context.Context, ownerID, peerID string) (bool, error) {
	args := m.Called(ctx, ownerID, peerID)
	return args.Bool(0), args.Error(1)
}

func (m *ContactRepositoryMock) DeleteContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	args := m.Called(ctx, ownerID, contactID)
	return args.Bool(0), args.Error(1)
}

func (m *ContactRepositoryMock) ListContacts(ctx context.Context, ownerID string) ([]models.Contact, error) {
	args := m.Called(ctx, ownerID)
	var list []models.Contact
	if val := args.Get(0); val != nil {
		list = val.([]models.Contact)
	}
	return list, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var created models.Message
	if val := args.Get(0); val != nil {
		created = val.(models.Message)
	}
	return created, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListThread(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	args := m.Called(ctx, userID, peerID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateContent(ctx context.Context, senderID, messageID, content string) (models.Message, error) {
	args := m.Called(ctx, senderID, messageID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteMessage(ctx context.Context, senderID, messageID string) (models.Message, error) {
	args := m.Called(ctx, senderID, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

type SendGuardMock struct {
	mock.Mock
}

func (m *SendGuardMock) Allow(ctx context.Context, identityID string) (bool, error) {
	args := m.Called(ctx, identityID)
	return args.Bool(0), args.Error(1)
}

type ChangePublisherMock struct {
	mock.Mock
}

func (m *ChangePublisherMock) PublishChange(ctx context.Context, change notify.Change) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

var _ repositories.IdentityRepository = (*IdentityRepositoryMock)(nil)
var _ repositories.ContactRepository = (*ContactRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ ratelimit.SendGuard = (*SendGuardMock)(nil)
var _ notify.Publisher = (*ChangePublisherMock)(nil)
