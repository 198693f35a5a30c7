package conversation

import (
	"context"
	"encoding/json"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
	"github.com/LeventeLantos/rescue-dispatch/internal/session"
)

const defaultPriority = "media"

// companyDeactivation handles an alert switched off by a company operator:
// sessions are cleared, users are told who turned it off and the linked
// hardware returns to normal.
func (e *Engine) companyDeactivation(ctx context.Context, payload []byte) error {
	var ev model.CompanyDeactivation
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.dropped.Add(1)
		e.log.Error().Err(err).Msg("dropping malformed company deactivation")
		return nil
	}
	if err := e.validate.Struct(ev); err != nil {
		e.dropped.Add(1)
		e.log.Error().Err(err).Msg("company deactivation failed validation")
		return nil
	}

	a := ev.Alert
	out := newOutcome(e.log.With().Str("alert_id", a.ID).Str("event", "company_deactivation").Logger(), "", StateUnknown, EventOther)

	users := make(map[string]model.CompanyUser, len(a.Users))
	phones := make([]string, 0, len(a.Users))
	for _, u := range a.Users {
		p := session.NormalizePhone(u.Phone)
		if p == "" {
			out.log.Warn().Str("name", u.Name).Msg("user without phone")
			continue
		}
		users[p] = u
		phones = append(phones, p)
	}

	if len(phones) > 0 {
		out.Try("clear_sessions", func() error {
			return e.store.BulkUpdate(ctx, phones, session.ClearAlert())
		})

		moment := formatMoment(ev.Timestamp)
		res := e.bc.Send(ctx, "company_deactivation", phones, func(ctx context.Context, phone string) error {
			return e.chat.SendText(ctx, phone, companyDeactivationText(users[phone], a, moment))
		})
		out.Note("notify_users", res.OK())
	}

	topics := make([]string, 0, len(a.Hardware))
	for _, h := range a.Hardware {
		if h.Topic == "" {
			out.log.Warn().Str("hardware", h.Name).Msg("hardware without topic")
			continue
		}
		topics = append(topics, h.Topic)
	}
	if len(topics) > 0 {
		priority := a.Priority
		if priority == "" {
			priority = defaultPriority
		}
		out.Note("hardware_deactivate", e.hw.Deactivate(ctx, a.ID, topics, priority).OK())
	}

	e.deactivated.Add(1)
	e.finish(out, nil)
	return nil
}
