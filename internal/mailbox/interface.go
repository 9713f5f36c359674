package mailbox

import (
	"context"

	"mailsync/internal/model"
)

// Filter narrows a mailbox listing. Zero value means "everything".
type Filter struct {
	Unread        bool   `json:"unread,omitempty"`
	Starred       bool   `json:"starred,omitempty"`
	HasAttachment bool   `json:"has_attachment,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
}

// SyncOptions configures one sync pass.
type SyncOptions struct {
	MaxResults int64  `json:"max_results"`
	Filter     Filter `json:"filter"`
}

// MailClient is the provider-facing surface the engine drives. The access
// token is passed per call because the token store rotates tokens
// underneath long-lived engines.
type MailClient interface {
	ListMessages(ctx context.Context, accessToken string, maxResults int64, filter Filter) ([]*model.Message, error)
	SendMessage(ctx context.Context, accessToken string, compose model.ComposeData) (string, error)
	ModifyMessage(ctx context.Context, accessToken, messageID string, addLabels, removeLabels []string) error
}

// FlagPatch is an optimistic local mutation of message flags. Nil fields
// are left untouched; Labels, when non-nil, replaces the label set.
type FlagPatch struct {
	IsRead      *bool    `json:"is_read,omitempty"`
	IsStarred   *bool    `json:"is_starred,omitempty"`
	IsImportant *bool    `json:"is_important,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}
