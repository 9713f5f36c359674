package mailbox

import (
	"context"

	"mailsync/internal/model"
)

// MockClient is a function-field MailClient for tests and local
// development without provider credentials.
type MockClient struct {
	ListMessagesFunc  func(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error)
	SendMessageFunc   func(ctx context.Context, accessToken string, compose model.ComposeData) (string, error)
	ModifyMessageFunc func(ctx context.Context, accessToken, messageID string, addLabels, removeLabels []string) error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) ListMessages(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error) {
	if m.ListMessagesFunc != nil {
		return m.ListMessagesFunc(ctx, accessToken, maxResults, filter)
	}
	return nil, nil
}

func (m *MockClient) SendMessage(ctx context.Context, accessToken string, compose model.ComposeData) (string, error) {
	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, accessToken, compose)
	}
	return "mock-message-id", nil
}

func (m *MockClient) ModifyMessage(ctx context.Context, accessToken, messageID string, addLabels, removeLabels []string) error {
	if m.ModifyMessageFunc != nil {
		return m.ModifyMessageFunc(ctx, accessToken, messageID, addLabels, removeLabels)
	}
	return nil
}
