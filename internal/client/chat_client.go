package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
	"github.com/LeventeLantos/rescue-dispatch/internal/session"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// ChatClient talks to the chat gateway. Besides sending messages it can act
// as the session store when the gateway owns the number cache.
type ChatClient struct {
	http *httpClient
}

func NewChatClient(baseURL string, timeout time.Duration, attempts int, log zerolog.Logger) *ChatClient {
	return &ChatClient{
		http: newHTTPClient(baseURL, "", "rescue-dispatch-chat/1.0", timeout, attempts,
			log.With().Str("component", "chat_client").Logger()),
	}
}

var _ session.Store = (*ChatClient)(nil)

func cleanPhone(phone string) (string, error) {
	p := session.NormalizePhone(phone)
	if p == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	return p, nil
}

type textRequest struct {
	Phone    string `json:"phone"`
	Message  string `json:"message"`
	UseQueue bool   `json:"use_queue"`
}

func (c *ChatClient) SendText(ctx context.Context, phone, text string) error {
	p, err := cleanPhone(phone)
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/send-message", textRequest{Phone: p, Message: text})
}

func (c *ChatClient) SendListMenu(ctx context.Context, m model.ListMenu) error {
	p, err := cleanPhone(m.Phone)
	if err != nil {
		return err
	}
	m.Phone = p
	return c.post(ctx, "/api/send-list", m)
}

func (c *ChatClient) SendButtonMessage(ctx context.Context, m model.ButtonMessage) error {
	p, err := cleanPhone(m.Phone)
	if err != nil {
		return err
	}
	m.Phone = p
	return c.post(ctx, "/api/send-buttons", m)
}

func (c *ChatClient) SendTemplate(ctx context.Context, m model.Template) error {
	p, err := cleanPhone(m.Phone)
	if err != nil {
		return err
	}
	m.Phone = p
	return c.post(ctx, "/api/send-template", m)
}

type locationRequest struct {
	Phone string `json:"phone"`
	Body  string `json:"body_text"`
}

func (c *ChatClient) SendLocationRequest(ctx context.Context, phone, body string) error {
	p, err := cleanPhone(phone)
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/send-location-request", locationRequest{Phone: p, Body: body})
}

type personalizedRecipient struct {
	Phone string `json:"phone"`
	Body  string `json:"body_text"`
}

type personalizedBroadcast struct {
	Recipients    []personalizedRecipient `json:"recipients"`
	HeaderType    string                  `json:"header_type"`
	HeaderContent string                  `json:"header_content"`
	ButtonText    string                  `json:"button_text"`
	ButtonURL     string                  `json:"button_url"`
	Footer        string                  `json:"footer_text"`
	UseQueue      bool                    `json:"use_queue"`
}

// SendURLCard sends a single-recipient personalized broadcast with a link
// button, which is how location cards reach users.
func (c *ChatClient) SendURLCard(ctx context.Context, m model.URLCard) error {
	p, err := cleanPhone(m.Phone)
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/send-personalized-broadcast", personalizedBroadcast{
		Recipients:    []personalizedRecipient{{Phone: p, Body: m.Body}},
		HeaderType:    model.HeaderText,
		HeaderContent: m.Header,
		ButtonText:    m.ButtonText,
		ButtonURL:     m.ButtonURL,
		Footer:        m.Footer,
		UseQueue:      true,
	})
}

func (c *ChatClient) Health(ctx context.Context) error {
	return c.http.do(ctx, call{method: http.MethodGet, path: "/health"})
}

func (c *ChatClient) post(ctx context.Context, path string, in any) error {
	return c.http.do(ctx, call{method: http.MethodPost, path: path, in: in})
}

type cacheEntry struct {
	Phone string         `json:"phone"`
	Name  string         `json:"name,omitempty"`
	Data  *model.Session `json:"data,omitempty"`
}

func (c *ChatClient) Get(ctx context.Context, phone string) (*model.Session, error) {
	p, err := cleanPhone(phone)
	if err != nil {
		return nil, err
	}
	var entry cacheEntry
	err = c.http.do(ctx, call{method: http.MethodGet, path: "/api/cache/numbers/" + url.PathEscape(p), out: &entry})
	if StatusCode(err) == http.StatusNotFound {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached number %s: %w", p, err)
	}
	if entry.Data == nil {
		return nil, session.ErrNotFound
	}
	entry.Data.Phone = p
	if entry.Data.Name == "" {
		entry.Data.Name = entry.Name
	}
	return entry.Data, nil
}

func (c *ChatClient) Add(ctx context.Context, s *model.Session) error {
	p, err := cleanPhone(s.Phone)
	if err != nil {
		return err
	}
	data := *s
	data.Phone = p
	return c.post(ctx, "/api/cache/numbers", cacheEntry{Phone: p, Name: s.Name, Data: &data})
}

type patchRequest struct {
	Data map[string]any `json:"data"`
}

func (c *ChatClient) Update(ctx context.Context, phone string, p session.Patch) error {
	clean, err := cleanPhone(phone)
	if err != nil {
		return err
	}
	return c.http.do(ctx, call{
		method: http.MethodPatch,
		path:   "/api/cache/numbers/" + url.PathEscape(clean),
		in:     patchRequest{Data: p.Map()},
	})
}

type bulkPatchRequest struct {
	Phones []string       `json:"phones"`
	Data   map[string]any `json:"data"`
}

func (c *ChatClient) BulkUpdate(ctx context.Context, phones []string, p session.Patch) error {
	clean := session.NormalizeAll(phones)
	if len(clean) == 0 || p.IsZero() {
		return nil
	}
	return c.post(ctx, "/api/cache/numbers/bulk-update", bulkPatchRequest{Phones: clean, Data: p.Map()})
}

// CompareAndUpdate degrades to Update: the gateway cache has no versions.
func (c *ChatClient) CompareAndUpdate(ctx context.Context, phone string, _ int64, p session.Patch) error {
	return c.Update(ctx, phone, p)
}
