package model

import (
	"time"
)

// Address is a single mail participant.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Attachment describes an attachment without its body. Bodies are fetched
// lazily through the provider's attachment endpoint, never inlined here.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is a normalized mail entity. ID and ThreadID are server-assigned
// and immutable; the boolean flags may be mutated locally ahead of server
// confirmation and are reconciled on the next full sync.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	From        Address      `json:"from"`
	To          []Address    `json:"to"`
	Cc          []Address    `json:"cc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Snippet     string       `json:"snippet"`
	IsRead      bool         `json:"is_read"`
	IsStarred   bool         `json:"is_starred"`
	IsImportant bool         `json:"is_important"`
	Labels      []string     `json:"labels"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// HasLabel reports whether the message carries the given label identifier.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// MailCache is a point-in-time snapshot of one mailbox. Messages keep the
// server-provided order (newest first). A cache older than StaleAfter is
// served stale while a background refresh runs.
type MailCache struct {
	Messages   []*Message    `json:"messages"`
	FetchedAt  time.Time     `json:"fetched_at"`
	StaleAfter time.Duration `json:"stale_after"`
}

// Stale reports whether the snapshot has outlived its freshness window.
func (c *MailCache) Stale() bool {
	if c.StaleAfter <= 0 {
		return false
	}
	return time.Since(c.FetchedAt) > c.StaleAfter
}

// FindMessage returns the cached message with the given id, or nil.
func (c *MailCache) FindMessage(id string) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ComposeData is the caller-supplied input to a send operation. The sent
// message itself is never synthesized locally; the next sync picks it up
// with its server-assigned id and threading.
type ComposeData struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}
