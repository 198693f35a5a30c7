package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeventeLantos/rescue-dispatch/internal/client"
	"github.com/LeventeLantos/rescue-dispatch/internal/fanout"
	"github.com/LeventeLantos/rescue-dispatch/internal/model"
	"github.com/LeventeLantos/rescue-dispatch/internal/session"
)

func activeAlertID(s *model.Session) string {
	if s.InfoAlert == nil {
		return ""
	}
	return s.InfoAlert.AlertID
}

func isPowerOff(s *model.Session, id string) bool {
	if id == ButtonPowerOff {
		return true
	}
	aid := activeAlertID(s)
	return aid != "" && id == aid
}

func (e *Engine) activeUnavailable(ctx context.Context, out *Outcome, s *model.Session, ev Event) error {
	if ev.Kind == EventButton {
		switch {
		case ev.ReplyID == ButtonAvailable:
			return e.markAvailable(ctx, out, s)
		case isPowerOff(s, ev.ReplyID):
			return e.powerOff(ctx, out, s, ev.ReplyID)
		}
	}

	alert := e.fetchAlert(ctx, out, s)
	out.Try("resend_available_prompt", func() error {
		m := availablePrompt(s.Name, alert)
		m.Phone = s.Phone
		return e.chat.SendButtonMessage(ctx, m)
	})
	return nil
}

func (e *Engine) activeAvailable(ctx context.Context, out *Outcome, s *model.Session, ev Event) error {
	creator := s.Role.IsCreator

	switch ev.Kind {
	case EventButton:
		switch {
		case ev.ReplyID == ButtonAvailable:
			return e.markAvailable(ctx, out, s)
		case isPowerOff(s, ev.ReplyID):
			return e.powerOff(ctx, out, s, ev.ReplyID)
		}

	case EventList:
		switch ev.ReplyID {
		case ListPowerOff:
			if !creator {
				e.deny(ctx, out, s.Phone)
				return nil
			}
			out.Try("send_power_off_prompt", func() error {
				return e.chat.SendButtonMessage(ctx, powerOffPrompt(s.Phone, activeAlertID(s)))
			})
			return nil
		case ListLocation:
			alert := e.fetchAlert(ctx, out, s)
			if alert == nil || alert.Location.MapsURL == "" {
				e.reply(ctx, out, "reply_location_unavailable", s.Phone, textRetryLater)
				return nil
			}
			out.Note("resend_location", e.notify.LocationCards(ctx, alert, []string{s.Phone}).OK())
			return nil
		case ListBoarded:
			return e.markBoarded(ctx, out, s)
		}

	case EventText:
		if ev.Text != "" && !isHelp(ev.Text) {
			return e.relay(ctx, out, s, ev.Text)
		}
	}

	out.Try("send_options_menu", func() error {
		return e.chat.SendListMenu(ctx, optionsMenu(s.Phone, creator))
	})
	return nil
}

func (e *Engine) markAvailable(ctx context.Context, out *Outcome, s *model.Session) error {
	ok, err := e.cas(ctx, out, s, session.Patch{Disponible: model.Bool(true)})
	if !ok || err != nil {
		return err
	}
	if id := activeAlertID(s); id != "" {
		out.Try("backend_mark_available", func() error {
			return e.backend.UpdateRecipientStatus(ctx, id, s.Phone, model.RecipientStatus{Disponible: model.Bool(true)})
		})
	}
	e.reply(ctx, out, "confirm_available", s.Phone, textNowAvailable)
	return nil
}

func (e *Engine) markBoarded(ctx context.Context, out *Outcome, s *model.Session) error {
	ok, err := e.cas(ctx, out, s, session.Patch{Embarcado: model.Bool(true)})
	if !ok || err != nil {
		return err
	}
	id := activeAlertID(s)
	if id != "" {
		out.Try("backend_mark_boarded", func() error {
			return e.backend.UpdateRecipientStatus(ctx, id, s.Phone, model.RecipientStatus{Embarcado: model.Bool(true)})
		})
	}
	e.reply(ctx, out, "ack_boarded", s.Phone, textBoardedAck)

	if alert := e.fetchAlert(ctx, out, s); alert != nil {
		e.toPeers(ctx, out, "broadcast_boarded", alert, s.Phone, boardedText(s.Name))
	}
	return nil
}

func (e *Engine) relay(ctx context.Context, out *Outcome, s *model.Session, text string) error {
	alert := e.fetchAlert(ctx, out, s)
	if alert == nil {
		e.reply(ctx, out, "reply_relay_unavailable", s.Phone, textRetryLater)
		return nil
	}
	e.toPeers(ctx, out, "relay_text", alert, s.Phone, relayText(s.Name, text))
	return nil
}

func (e *Engine) toPeers(ctx context.Context, out *Outcome, step string, a *model.Alert, actor, text string) {
	peers := fanout.Exclude(fanout.RecipientPhones(a), actor)
	if len(peers) == 0 {
		return
	}
	res := e.bc.Send(ctx, step, peers, func(ctx context.Context, phone string) error {
		return e.chat.SendText(ctx, phone, text)
	})
	out.Note(step, res.OK())
}

func (e *Engine) fetchAlert(ctx context.Context, out *Outcome, s *model.Session) *model.Alert {
	id := activeAlertID(s)
	if id == "" {
		return nil
	}
	var alert *model.Alert
	out.Try("fetch_alert", func() error {
		a, err := e.backend.GetAlert(ctx, id, s.Phone)
		alert = a
		return err
	})
	return alert
}

// deactivate turns the alert off through the backend and then runs every
// cleanup step independently.
func (e *Engine) powerOff(ctx context.Context, out *Outcome, s *model.Session, replyID string) error {
	if !s.Role.IsCreator {
		e.deny(ctx, out, s.Phone)
		return nil
	}
	id := activeAlertID(s)
	if id == "" && replyID != ButtonPowerOff {
		id = replyID
	}
	return e.deactivate(ctx, out, s, id)
}

func (e *Engine) deactivate(ctx context.Context, out *Outcome, s *model.Session, alertID string) error {
	if alertID == "" {
		e.reply(ctx, out, "reply_no_alert", s.Phone, textRetryLater)
		return nil
	}

	d, err := e.backend.DeactivateAlert(ctx, alertID, s.Phone)
	if errors.Is(err, client.ErrRejected) {
		e.reply(ctx, out, "reply_deactivation_rejected", s.Phone, textRetryLater)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deactivate alert %s: %w", alertID, err)
	}
	e.deactivated.Add(1)

	everyone := session.NormalizeAll(append(fanout.Phones(d.Recipients), s.Phone))
	peers := fanout.Exclude(everyone, s.Phone)

	out.Try("clear_sessions", func() error {
		return e.store.BulkUpdate(ctx, everyone, session.ClearAlert())
	})
	if len(peers) > 0 {
		res := e.bc.Send(ctx, "broadcast_concluded", peers, func(ctx context.Context, phone string) error {
			return e.chat.SendText(ctx, phone, textConcluded)
		})
		out.Note("broadcast_concluded", res.OK())
	}
	e.reply(ctx, out, "confirm_deactivation", s.Phone, textDeactivated)
	if len(d.Topics) > 0 {
		out.Note("hardware_deactivate", e.hw.Deactivate(ctx, alertID, d.Topics, d.Priority).OK())
	}
	return nil
}
