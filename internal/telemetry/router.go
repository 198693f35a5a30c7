package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/fanout"
	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

type Backend interface {
	AuthenticateHardware(ctx context.Context, auth model.HardwareAuth) (string, error)
	SendHardwareAlarm(ctx context.Context, alarm model.HardwareAlarm, token string) (*model.Alert, error)
}

type Activator interface {
	Activate(ctx context.Context, a *model.Alert) fanout.Result
}

type Notifier interface {
	AlertRecipients(ctx context.Context, a *model.Alert) fanout.Result
}

type Stats struct {
	Processed int64 `json:"processed_messages"`
	Ignored   int64 `json:"ignored_messages"`
	Errors    int64 `json:"error_count"`
}

// Router handles button telemetry synchronously: it forwards accepted
// presses to the backend and fans the resulting alert out.
type Router struct {
	root     string
	marker   string
	backend  Backend
	hardware Activator
	notify   Notifier
	log      zerolog.Logger

	processed atomic.Int64
	ignored   atomic.Int64
	errors    atomic.Int64
}

func NewRouter(root, marker string, backend Backend, hw Activator, notify Notifier, log zerolog.Logger) *Router {
	if root == "" {
		root = DefaultRoot
	}
	if marker == "" {
		marker = DefaultMarker
	}
	return &Router{
		root:     root,
		marker:   marker,
		backend:  backend,
		hardware: hw,
		notify:   notify,
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

// Filter is the subscription filter covering every topic under the root.
func (r *Router) Filter() string { return r.root + "/#" }

func (r *Router) Handle(ctx context.Context, topic string, payload []byte) error {
	dev, ok, err := ParseTopic(topic, r.root, r.marker)
	if !ok {
		r.ignored.Add(1)
		return nil
	}
	if err != nil {
		r.errors.Add(1)
		r.log.Error().Err(err).Msg("button topic rejected")
		return err
	}
	if !json.Valid(payload) {
		r.errors.Add(1)
		r.log.Error().Str("topic", topic).Msg("invalid json payload")
		return fmt.Errorf("%w: topic %s", ErrMalformedPayload, topic)
	}

	log := r.log.With().Str("company", dev.Company).Str("site", dev.Site).Str("hardware", dev.ID).Logger()
	log.Info().Msg("button pressed")

	token, err := r.backend.AuthenticateHardware(ctx, dev.Auth())
	if err != nil {
		r.errors.Add(1)
		log.Error().Err(err).Msg("hardware authentication failed")
		return err
	}
	alert, err := r.backend.SendHardwareAlarm(ctx, dev.Alarm(json.RawMessage(payload)), token)
	if err != nil {
		r.errors.Add(1)
		log.Error().Err(err).Msg("alarm not accepted")
		return err
	}
	r.processed.Add(1)

	if alert == nil || alert.ID == "" {
		log.Warn().Msg("backend returned no alert")
		return nil
	}
	if alert.Company == "" {
		alert.Company = dev.Company
	}

	hw := r.hardware.Activate(ctx, alert)
	chat := r.notify.AlertRecipients(ctx, alert)
	log.Info().
		Str("alert_id", alert.ID).
		Int("hardware_ok", hw.Succeeded).
		Int("hardware_failed", hw.Failed).
		Int("chat_ok", chat.Succeeded).
		Int("chat_failed", chat.Failed).
		Msg("alarm fan-out done")
	return nil
}

func (r *Router) Stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		Ignored:   r.ignored.Load(),
		Errors:    r.errors.Load(),
	}
}
