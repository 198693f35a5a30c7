package conversation_test

import (
	"context"
	"sync"
	"time"

	"github.com/LeventeLantos/rescue-dispatch/internal/client"
	"github.com/LeventeLantos/rescue-dispatch/internal/conversation"
	"github.com/LeventeLantos/rescue-dispatch/internal/fanout"
	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBackend struct {
	mu sync.Mutex

	identities map[string]model.Identity
	alert      *model.Alert
	createErr  error
	deactErr   error

	creates     []model.CreateAlertRequest
	deactivates []string
	statuses    map[string]model.RecipientStatus
	gets        int
}

var _ conversation.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) VerifyIdentity(ctx context.Context, phone string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[phone]
	if !ok {
		return nil, client.ErrNotRegistered
	}
	return &id, nil
}

func (f *fakeBackend) CreateAlert(ctx context.Context, req model.CreateAlertRequest) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	a := *f.alert
	return &a, nil
}

func (f *fakeBackend) DeactivateAlert(ctx context.Context, alertID, actorPhone string) (*model.Deactivation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivates = append(f.deactivates, alertID+":"+actorPhone)
	if f.deactErr != nil {
		return nil, f.deactErr
	}
	return &model.Deactivation{
		AlertID:    alertID,
		Recipients: f.alert.Recipients,
		Topics:     f.alert.Topics,
		Priority:   f.alert.Priority,
	}, nil
}

func (f *fakeBackend) UpdateRecipientStatus(ctx context.Context, alertID, phone string, status model.RecipientStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[string]model.RecipientStatus{}
	}
	f.statuses[phone] = status
	return nil
}

func (f *fakeBackend) GetAlert(ctx context.Context, alertID, requesterPhone string) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	a := *f.alert
	return &a, nil
}

func (f *fakeBackend) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type sent struct {
	kind  string
	phone string
	text  string
	ids   []string
}

type fakeChat struct {
	mu   sync.Mutex
	msgs []sent
}

var _ conversation.Chat = (*fakeChat)(nil)

func (f *fakeChat) add(m sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeChat) SendText(ctx context.Context, phone, text string) error {
	return f.add(sent{kind: "text", phone: phone, text: text})
}

func (f *fakeChat) SendListMenu(ctx context.Context, m model.ListMenu) error {
	var ids []string
	for _, s := range m.Sections {
		for _, r := range s.Rows {
			ids = append(ids, r.ID)
		}
	}
	return f.add(sent{kind: "list", phone: m.Phone, text: m.Header, ids: ids})
}

func (f *fakeChat) SendButtonMessage(ctx context.Context, m model.ButtonMessage) error {
	var ids []string
	for _, b := range m.Buttons {
		ids = append(ids, b.ID)
	}
	return f.add(sent{kind: "buttons", phone: m.Phone, text: m.Body, ids: ids})
}

func (f *fakeChat) SendTemplate(ctx context.Context, m model.Template) error {
	return f.add(sent{kind: "template", phone: m.Phone, text: m.Name, ids: m.Params})
}

func (f *fakeChat) SendLocationRequest(ctx context.Context, phone, body string) error {
	return f.add(sent{kind: "location_request", phone: phone, text: body})
}

func (f *fakeChat) SendURLCard(ctx context.Context, m model.URLCard) error {
	return f.add(sent{kind: "url_card", phone: m.Phone, text: m.Body, ids: []string{m.ButtonURL}})
}

// to returns the messages of kind sent to phone.
func (f *fakeChat) to(phone, kind string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, m := range f.msgs {
		if m.phone == phone && m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeChat) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeHardware struct {
	mu          sync.Mutex
	activated   []string
	deactivated [][]string
}

var _ conversation.Hardware = (*fakeHardware)(nil)

func (f *fakeHardware) Activate(ctx context.Context, a *model.Alert) fanout.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, a.ID)
	return fanout.Result{Attempted: len(a.Topics), Succeeded: len(a.Topics)}
}

func (f *fakeHardware) Deactivate(ctx context.Context, alertID string, topics []string, priority string) fanout.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, topics)
	return fanout.Result{Attempted: len(topics), Succeeded: len(topics)}
}
