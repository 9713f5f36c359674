package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailsync/internal/logger"
	"mailsync/internal/mailbox"
	"mailsync/internal/model"
)

// Label identifiers the provider uses instead of boolean flags. Read,
// starred and important state is expressed by adding/removing these.
const (
	labelUnread    = "UNREAD"
	labelStarred   = "STARRED"
	labelImportant = "IMPORTANT"
)

// Client talks to the Gmail API with a per-call access token. It builds a
// service per request because tokens rotate underneath it; the token store
// owns their lifecycle.
type Client struct {
	logger      *logger.Logger
	httpTimeout time.Duration
}

func NewClient(log *logger.Logger, httpTimeout time.Duration) *Client {
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}
	return &Client{logger: log, httpTimeout: httpTimeout}
}

type oauth2Transport struct {
	token string
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	httpClient := &http.Client{
		Transport: &oauth2Transport{token: accessToken},
		Timeout:   c.httpTimeout,
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// ListMessages fetches up to maxResults messages matching the filter and
// normalizes each full payload. Order is the server's (newest first).
func (c *Client) ListMessages(ctx context.Context, accessToken string, maxResults int64, filter mailbox.Filter) ([]*model.Message, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").MaxResults(maxResults).Context(ctx)
	if q := buildQuery(filter); q != "" {
		call = call.Q(q)
	}
	list, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*model.Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		full, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get message %s: %w", ref.Id, err)
		}
		messages = append(messages, messageFromAPI(full))
	}

	c.logger.Info("Fetched", len(messages), "messages from Gmail")
	return messages, nil
}

// SendMessage submits a composed message and returns the server-assigned
// message id.
func (c *Client) SendMessage(ctx context.Context, accessToken string, compose model.ComposeData) (string, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	raw := buildRawMessage(compose)
	sent, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	c.logger.Info("Sent message:", sent.Id)
	return sent.Id, nil
}

// ModifyMessage adds and removes label identifiers on a message. Flag
// changes (read, starred, important) travel through here.
func (c *Client) ModifyMessage(ctx context.Context, accessToken, messageID string, addLabels, removeLabels []string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    addLabels,
		RemoveLabelIds: removeLabels,
	}
	if _, err := svc.Users.Messages.Modify("me", messageID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to modify message %s: %w", messageID, err)
	}

	c.logger.Info("Modified message labels:", messageID)
	return nil
}

// buildQuery translates the filter into Gmail search operators.
func buildQuery(filter mailbox.Filter) string {
	var parts []string
	if filter.Unread {
		parts = append(parts, "is:unread")
	}
	if filter.Starred {
		parts = append(parts, "is:starred")
	}
	if filter.HasAttachment {
		parts = append(parts, "has:attachment")
	}
	if filter.From != "" {
		parts = append(parts, "from:"+filter.From)
	}
	if filter.To != "" {
		parts = append(parts, "to:"+filter.To)
	}
	return strings.Join(parts, " ")
}

// messageFromAPI normalizes a full Gmail message payload into the local
// message shape.
func messageFromAPI(m *gmail.Message) *model.Message {
	msg := &model.Message{
		ID:          m.Id,
		ThreadID:    m.ThreadId,
		Snippet:     m.Snippet,
		Labels:      m.LabelIds,
		IsRead:      true,
		ReceivedAt:  time.Unix(m.InternalDate/1000, 0),
		IsStarred:   false,
		IsImportant: false,
	}

	for _, label := range m.LabelIds {
		switch label {
		case labelUnread:
			msg.IsRead = false
		case labelStarred:
			msg.IsStarred = true
		case labelImportant:
			msg.IsImportant = true
		}
	}

	if m.Payload != nil {
		for _, header := range m.Payload.Headers {
			switch header.Name {
			case "Subject":
				msg.Subject = header.Value
			case "From":
				if addrs := parseAddresses(header.Value); len(addrs) > 0 {
					msg.From = addrs[0]
				}
			case "To":
				msg.To = parseAddresses(header.Value)
			case "Cc":
				msg.Cc = parseAddresses(header.Value)
			}
		}
		msg.Body = extractBody(m.Payload)
		msg.Attachments = collectAttachments(m.Payload)
	}

	return msg
}

// parseAddresses tolerates the malformed headers real mailboxes contain:
// anything net/mail cannot parse is kept as a bare email string.
func parseAddresses(raw string) []model.Address {
	if raw == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		return []model.Address{{Email: strings.TrimSpace(raw)}}
	}
	addrs := make([]model.Address, 0, len(parsed))
	for _, a := range parsed {
		addrs = append(addrs, model.Address{Email: a.Address, Name: a.Name})
	}
	return addrs
}

// extractBody prefers text/plain, falls back to text/html, and walks nested
// multipart containers.
func extractBody(payload *gmail.MessagePart) string {
	if len(payload.Parts) > 0 {
		return extractMultipartBody(payload.Parts)
	}
	return decodePartBody(payload)
}

func extractMultipartBody(parts []*gmail.MessagePart) string {
	var textBody string
	var htmlBody string

	for _, part := range parts {
		switch {
		case part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "":
			if textBody == "" {
				textBody = decodePartBody(part)
			}
		case part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "":
			if htmlBody == "" {
				htmlBody = decodePartBody(part)
			}
		case len(part.Parts) > 0:
			if nested := extractMultipartBody(part.Parts); nested != "" && textBody == "" {
				textBody = nested
			}
		}
	}

	if textBody != "" {
		return textBody
	}
	return htmlBody
}

func decodePartBody(part *gmail.MessagePart) string {
	if part.Body == nil || part.Body.Data == "" {
		return ""
	}
	decoded, err := base64.URLEncoding.DecodeString(part.Body.Data)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// collectAttachments records attachment metadata only; bodies are fetched
// lazily through the attachments endpoint, never inline.
func collectAttachments(payload *gmail.MessagePart) []model.Attachment {
	var attachments []model.Attachment
	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
				attachments = append(attachments, model.Attachment{
					ID:       part.Body.AttachmentId,
					Filename: part.Filename,
					MimeType: part.MimeType,
					Size:     part.Body.Size,
				})
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	if payload != nil {
		walk(payload.Parts)
	}
	return attachments
}

// buildRawMessage assembles an RFC 822 message and encodes it the way the
// send endpoint expects (base64url, no padding handled by the API).
func buildRawMessage(compose model.ComposeData) string {
	var b strings.Builder
	b.WriteString("To: " + strings.Join(compose.To, ", ") + "\r\n")
	if len(compose.Cc) > 0 {
		b.WriteString("Cc: " + strings.Join(compose.Cc, ", ") + "\r\n")
	}
	b.WriteString("Subject: " + compose.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(compose.Body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}
