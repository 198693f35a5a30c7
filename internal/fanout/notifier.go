package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
	"github.com/LeventeLantos/rescue-dispatch/internal/session"
)

const (
	PowerOffTitle = "Apagar alarma"

	locationHeader = "¡RESCUE SYSTEM UBICACIÓN!"
	locationButton = "Google Maps"
	locationFooter = "Equipo RESCUE"
	alarmFooter    = "Sistema RESCUE"
)

// Chat is the part of the chat gateway the notifier needs.
type Chat interface {
	SendButtonMessage(ctx context.Context, m model.ButtonMessage) error
	SendURLCard(ctx context.Context, m model.URLCard) error
}

// Notifier sends the per-recipient alarm and location cards of an alert.
type Notifier struct {
	chat  Chat
	bc    *Broadcaster
	delay time.Duration
}

func NewNotifier(chat Chat, bc *Broadcaster, delay time.Duration) *Notifier {
	return &Notifier{chat: chat, bc: bc, delay: delay}
}

// Pause waits the configured step delay or until ctx is done.
func (n *Notifier) Pause(ctx context.Context) error {
	if n.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(n.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AlarmCards sends the image card with the power-off button to each phone.
func (n *Notifier) AlarmCards(ctx context.Context, a *model.Alert, phones []string) Result {
	names := Names(a.Recipients)
	return n.bc.Send(ctx, "alarm_card", phones, func(ctx context.Context, phone string) error {
		return n.chat.SendButtonMessage(ctx, AlarmCard(a, phone, names[phone]))
	})
}

// LocationCards sends the maps link card to each phone.
func (n *Notifier) LocationCards(ctx context.Context, a *model.Alert, phones []string) Result {
	names := Names(a.Recipients)
	return n.bc.Send(ctx, "location_card", phones, func(ctx context.Context, phone string) error {
		return n.chat.SendURLCard(ctx, LocationCard(a, phone, names[phone]))
	})
}

// AlertRecipients sends alarm cards then, after the step delay, location cards
// to every recipient of a.
func (n *Notifier) AlertRecipients(ctx context.Context, a *model.Alert) Result {
	phones := RecipientPhones(a)
	res := n.AlarmCards(ctx, a, phones)
	if a.Location.MapsURL == "" {
		return res
	}
	if err := n.Pause(ctx); err != nil {
		return res
	}
	return res.add(n.LocationCards(ctx, a, phones))
}

func AlarmCard(a *model.Alert, phone, name string) model.ButtonMessage {
	company := a.Company
	if company == "" {
		company = "la empresa"
	}
	return model.ButtonMessage{
		Phone:         phone,
		HeaderType:    model.HeaderImage,
		HeaderContent: a.Type.ImageBase64,
		Body:          fmt.Sprintf("¡Hola %s!.\nAlerta de %s en %s", name, a.Type.Name, company),
		Footer:        alarmFooter,
		Buttons:       []model.Button{{ID: a.ID, Title: PowerOffTitle}},
	}
}

func LocationCard(a *model.Alert, phone, name string) model.URLCard {
	return model.URLCard{
		Phone:      phone,
		Header:     locationHeader,
		Body:       fmt.Sprintf("¡HOLA %s!.\nRESCUE TE AYUDA A LLEGAR A LA EMERGENCIA", strings.ToUpper(FirstName(name))),
		Footer:     locationFooter,
		ButtonText: locationButton,
		ButtonURL:  a.Location.MapsURL,
	}
}

// FirstName returns the first word of a display name.
func FirstName(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return name
}

func RecipientPhones(a *model.Alert) []string { return Phones(a.Recipients) }

// Phones returns the distinct normalized phones of rs.
func Phones(rs []model.Recipient) []string {
	phones := make([]string, 0, len(rs))
	for _, r := range rs {
		phones = append(phones, r.Phone)
	}
	return session.NormalizeAll(phones)
}

// Names maps normalized phone to display name.
func Names(rs []model.Recipient) map[string]string {
	names := make(map[string]string, len(rs))
	for _, r := range rs {
		names[session.NormalizePhone(r.Phone)] = r.Name
	}
	return names
}
