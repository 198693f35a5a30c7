package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/cache"
	"github.com/LeventeLantos/rescue-dispatch/internal/client"
	"github.com/LeventeLantos/rescue-dispatch/internal/fanout"
	"github.com/LeventeLantos/rescue-dispatch/internal/model"
	"github.com/LeventeLantos/rescue-dispatch/internal/queue"
	"github.com/LeventeLantos/rescue-dispatch/internal/session"
)

const (
	DefaultWindow           = 5 * time.Minute
	DefaultTemplateName     = "alerta_rescue"
	DefaultTemplateLanguage = "es"
)

var errStepFailed = errors.New("step failed")

type Backend interface {
	VerifyIdentity(ctx context.Context, phone string) (*model.Identity, error)
	CreateAlert(ctx context.Context, req model.CreateAlertRequest) (*model.Alert, error)
	DeactivateAlert(ctx context.Context, alertID, actorPhone string) (*model.Deactivation, error)
	UpdateRecipientStatus(ctx context.Context, alertID, phone string, status model.RecipientStatus) error
	GetAlert(ctx context.Context, alertID, requesterPhone string) (*model.Alert, error)
}

type Chat interface {
	fanout.Chat
	SendText(ctx context.Context, phone, text string) error
	SendListMenu(ctx context.Context, m model.ListMenu) error
	SendTemplate(ctx context.Context, m model.Template) error
	SendLocationRequest(ctx context.Context, phone, body string) error
}

type Hardware interface {
	Activate(ctx context.Context, a *model.Alert) fanout.Result
	Deactivate(ctx context.Context, alertID string, topics []string, priority string) fanout.Result
}

type Options struct {
	Window           time.Duration
	StepDelay        time.Duration
	TemplateName     string
	TemplateLanguage string
	Concurrency      int
}

type Stats struct {
	Processed         int64 `json:"processed"`
	Ignored           int64 `json:"ignored"`
	Dropped           int64 `json:"dropped"`
	Duplicates        int64 `json:"duplicates"`
	Denied            int64 `json:"denied"`
	AlertsCreated     int64 `json:"alerts_created"`
	AlertsDeactivated int64 `json:"alerts_deactivated"`
	PartialFailures   int64 `json:"partial_failures"`
}

// Engine runs one chat event against the sender's cached session. Session
// state is read fresh for every event.
type Engine struct {
	store    session.Store
	backend  Backend
	chat     Chat
	hw       Hardware
	bc       *fanout.Broadcaster
	notify   *fanout.Notifier
	validate *validator.Validate
	opts     Options
	now      func() time.Time
	observe  func(Outcome)
	dedupe   cache.Deduper
	log      zerolog.Logger

	processed   atomic.Int64
	ignored     atomic.Int64
	dropped     atomic.Int64
	duplicates  atomic.Int64
	denied      atomic.Int64
	created     atomic.Int64
	deactivated atomic.Int64
	partial     atomic.Int64
}

func NewEngine(store session.Store, backend Backend, chat Chat, hw Hardware, opts Options, log zerolog.Logger) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.TemplateName == "" {
		opts.TemplateName = DefaultTemplateName
	}
	if opts.TemplateLanguage == "" {
		opts.TemplateLanguage = DefaultTemplateLanguage
	}
	log = log.With().Str("component", "conversation").Logger()
	bc := fanout.NewBroadcaster(opts.Concurrency, log)
	return &Engine{
		store:    store,
		backend:  backend,
		chat:     chat,
		hw:       hw,
		bc:       bc,
		notify:   fanout.NewNotifier(chat, bc, opts.StepDelay),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		now:      time.Now,
		log:      log,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithDeduper skips events whose chat message id was already handled.
func (e *Engine) WithDeduper(d cache.Deduper) *Engine {
	e.dedupe = d
	return e
}

// WithObserver registers fn to receive the outcome of every handled event.
func (e *Engine) WithObserver(fn func(Outcome)) *Engine {
	e.observe = fn
	return e
}

// Handle adapts Process to the worker pool.
func (e *Engine) Handle(ctx context.Context, rec *queue.Record) error {
	return e.Process(ctx, []byte(rec.Payload))
}

// Process handles one queued payload. Malformed or foreign payloads are
// dropped with a nil error; a returned error asks the queue to retry.
func (e *Engine) Process(ctx context.Context, payload []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		e.dropped.Add(1)
		e.log.Error().Err(err).Msg("dropping malformed payload")
		return nil
	}
	if probe.Type == model.CompanyDeactivationType {
		return e.companyDeactivation(ctx, payload)
	}

	ev, ok, err := ParseEvent(payload)
	if err != nil {
		e.dropped.Add(1)
		e.log.Error().Err(err).Msg("dropping malformed webhook")
		return nil
	}
	phone := session.NormalizePhone(ev.From)
	if !ok || phone == "" {
		e.ignored.Add(1)
		return nil
	}

	if e.dedupe == nil || ev.MessageID == "" {
		return e.dispatch(ctx, phone, ev)
	}
	first, err := e.dedupe.Claim(ctx, ev.MessageID)
	switch {
	case err != nil:
		e.log.Warn().Err(err).Str("message_id", ev.MessageID).Msg("dedupe unavailable, processing anyway")
		return e.dispatch(ctx, phone, ev)
	case !first:
		e.duplicates.Add(1)
		e.log.Info().Str("message_id", ev.MessageID).Msg("duplicate chat message skipped")
		return nil
	}

	// The queue retries failed and panicking records; the retry must not
	// look like a duplicate.
	release := func() {
		if rerr := e.dedupe.Release(context.WithoutCancel(ctx), ev.MessageID); rerr != nil {
			e.log.Warn().Err(rerr).Str("message_id", ev.MessageID).Msg("dedupe release failed")
		}
	}
	defer func() {
		if r := recover(); r != nil {
			release()
			panic(r)
		}
	}()

	err = e.dispatch(ctx, phone, ev)
	if err != nil {
		release()
	}
	return err
}

func (e *Engine) dispatch(ctx context.Context, phone string, ev Event) error {
	s, err := e.store.Get(ctx, phone)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s = nil
	case err != nil:
		return fmt.Errorf("load session %s: %w", phone, err)
	}

	state := Classify(s)
	out := newOutcome(
		e.log.With().Str("phone", phone).Str("state", state.String()).Str("event", ev.Kind.String()).Logger(),
		phone, state, ev.Kind,
	)

	if s != nil && !s.Verified {
		s, err = e.verify(ctx, out, s)
		if s == nil || err != nil {
			e.finish(out, err)
			return err
		}
		state = Classify(s)
		out.State = state
	}

	switch state {
	case StateUnknown:
		err = e.unknown(ctx, out, phone, ev)
	case StateIdle:
		err = e.idle(ctx, out, s, ev)
	case StatePendingLocation:
		err = e.pending(ctx, out, s, ev)
	case StateActiveUnavailable:
		err = e.activeUnavailable(ctx, out, s, ev)
	case StateActiveAvailable:
		err = e.activeAvailable(ctx, out, s, ev)
	}
	e.finish(out, err)
	return err
}

func (e *Engine) Stats() Stats {
	return Stats{
		Processed:         e.processed.Load(),
		Ignored:           e.ignored.Load(),
		Dropped:           e.dropped.Load(),
		Duplicates:        e.duplicates.Load(),
		Denied:            e.denied.Load(),
		AlertsCreated:     e.created.Load(),
		AlertsDeactivated: e.deactivated.Load(),
		PartialFailures:   e.partial.Load(),
	}
}

func (e *Engine) finish(out *Outcome, err error) {
	if err != nil {
		out.log.Error().Err(err).Strs("steps", out.StepNames()).Msg("event failed")
	} else {
		e.processed.Add(1)
		if failed := out.Failed(); len(failed) > 0 {
			e.partial.Add(1)
			out.log.Warn().Int("failed_steps", len(failed)).Int("steps", len(out.Steps)).Msg("event partially handled")
		} else {
			out.log.Info().Int("steps", len(out.Steps)).Msg("event handled")
		}
	}
	if e.observe != nil {
		e.observe(*out)
	}
}

func (e *Engine) reply(ctx context.Context, out *Outcome, step, phone, text string) {
	out.Try(step, func() error { return e.chat.SendText(ctx, phone, text) })
}

func (e *Engine) deny(ctx context.Context, out *Outcome, phone string) {
	e.denied.Add(1)
	e.reply(ctx, out, "reply_denied", phone, textDenied)
}

func (e *Engine) sendMenu(ctx context.Context, out *Outcome, s *model.Session, returning bool) {
	out.Try("send_alert_menu", func() error {
		return e.chat.SendListMenu(ctx, alertMenu(s.Phone, s.Name, returning))
	})
}

// cas applies p guarded by the version the event was read at. ok is false
// when another writer got there first; the event is then a no-op.
func (e *Engine) cas(ctx context.Context, out *Outcome, s *model.Session, p session.Patch) (ok bool, err error) {
	err = e.store.CompareAndUpdate(ctx, s.Phone, s.Version, p)
	switch {
	case errors.Is(err, session.ErrVersionConflict):
		out.log.Info().Int64("version", s.Version).Msg("session changed concurrently, skipping event")
		return false, nil
	case err != nil:
		return false, fmt.Errorf("update session %s: %w", s.Phone, err)
	}
	return true, nil
}

// verify completes a session that an alert fan-out created without a
// profile. Alert fields already on it are kept. A nil session means the
// sender is not registered and has been told so.
func (e *Engine) verify(ctx context.Context, out *Outcome, s *model.Session) (*model.Session, error) {
	id, err := e.backend.VerifyIdentity(ctx, s.Phone)
	if errors.Is(err, client.ErrNotRegistered) {
		e.reply(ctx, out, "reply_not_registered", s.Phone, textNotRegistered)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify identity %s: %w", s.Phone, err)
	}
	if err := e.store.Update(ctx, s.Phone, session.Patch{Identity: id}); err != nil {
		return nil, fmt.Errorf("cache identity %s: %w", s.Phone, err)
	}
	fresh, err := e.store.Get(ctx, s.Phone)
	if err != nil {
		return nil, fmt.Errorf("reload session %s: %w", s.Phone, err)
	}
	return fresh, nil
}

func (e *Engine) unknown(ctx context.Context, out *Outcome, phone string, ev Event) error {
	id, err := e.backend.VerifyIdentity(ctx, phone)
	if errors.Is(err, client.ErrNotRegistered) {
		e.reply(ctx, out, "reply_not_registered", phone, textNotRegistered)
		return nil
	}
	if err != nil {
		return fmt.Errorf("verify identity %s: %w", phone, err)
	}

	s := model.NewSession(*id, phone)
	if err := e.store.Add(ctx, s); err != nil {
		return fmt.Errorf("cache session %s: %w", phone, err)
	}
	if !s.Role.IsCreator {
		e.deny(ctx, out, phone)
		return nil
	}
	if isAlarmCard(ev) {
		return e.deactivate(ctx, out, s, ev.ReplyID)
	}
	e.sendMenu(ctx, out, s, false)
	return nil
}

// isAlarmCard reports a press on a hardware alarm card, whose button id is
// the alert id.
func isAlarmCard(ev Event) bool {
	return ev.Kind == EventButton && ev.ReplyID != "" && ev.ReplyID != ButtonAvailable && ev.ReplyID != ButtonPowerOff
}

func (e *Engine) idle(ctx context.Context, out *Outcome, s *model.Session, ev Event) error {
	switch {
	case ev.Kind == EventList:
		kind, known := LookupAlertKind(ev.ReplyID)
		if !s.Role.IsCreator {
			e.deny(ctx, out, s.Phone)
			return nil
		}
		if !known {
			e.sendMenu(ctx, out, s, true)
			return nil
		}
		info := &model.InfoAlert{Type: kind.ID, Description: kind.Description, CreatedAt: e.now().UTC()}
		ok, err := e.cas(ctx, out, s, session.Patch{InfoAlert: info, AlertActive: model.Bool(false)})
		if !ok || err != nil {
			return err
		}
		out.Try("request_location", func() error {
			return e.chat.SendLocationRequest(ctx, s.Phone, locationPrompt(kind))
		})
		return nil

	case isAlarmCard(ev):
		// Alarm cards reach people without an active session.
		if !s.Role.IsCreator {
			e.deny(ctx, out, s.Phone)
			return nil
		}
		return e.deactivate(ctx, out, s, ev.ReplyID)

	case s.Role.IsCreator:
		e.sendMenu(ctx, out, s, true)
		return nil

	default:
		e.deny(ctx, out, s.Phone)
		return nil
	}
}

func (e *Engine) pending(ctx context.Context, out *Outcome, s *model.Session, ev Event) error {
	deadline := s.InfoAlert.CreatedAt.Add(e.opts.Window)
	if !e.now().Before(deadline) {
		ok, err := e.cas(ctx, out, s, session.ClearPending())
		if !ok || err != nil {
			return err
		}
		e.reply(ctx, out, "reply_timeout", s.Phone, textTimeout)
		return nil
	}

	if !s.Role.IsCreator {
		e.deny(ctx, out, s.Phone)
		return nil
	}
	if ev.Kind != EventLocation {
		kind, _ := LookupAlertKind(s.InfoAlert.Type)
		if kind.Title == "" {
			kind.Title = s.InfoAlert.Type
		}
		out.Try("request_location", func() error {
			return e.chat.SendLocationRequest(ctx, s.Phone, locationPrompt(kind))
		})
		return nil
	}
	return e.createAlert(ctx, out, s, ev)
}

func (e *Engine) createAlert(ctx context.Context, out *Outcome, s *model.Session, ev Event) error {
	// Claim the pending selection first so a replay or a second worker
	// reading the same version stops here.
	ok, err := e.cas(ctx, out, s, session.Patch{AlertActive: model.Bool(true)})
	if !ok || err != nil {
		return err
	}

	alert, err := e.backend.CreateAlert(ctx, model.CreateAlertRequest{
		Type:         s.InfoAlert.Type,
		Description:  s.InfoAlert.Description,
		CreatorPhone: s.Phone,
		CompanyID:    s.CompanyID,
		Site:         s.Site,
		Latitude:     ev.Latitude,
		Longitude:    ev.Longitude,
	})
	if err == nil && (alert == nil || alert.ID == "") {
		err = fmt.Errorf("%w: empty alert", client.ErrRejected)
	}
	if err != nil {
		if rerr := e.store.Update(ctx, s.Phone, session.Patch{AlertActive: model.Bool(false)}); rerr != nil {
			out.log.Error().Err(rerr).Msg("could not release pending selection")
		}
		if errors.Is(err, client.ErrRejected) {
			e.reply(ctx, out, "reply_create_rejected", s.Phone, textRetryLater)
			return nil
		}
		return fmt.Errorf("create alert: %w", err)
	}
	e.created.Add(1)
	if alert.CreatorPhone == "" {
		alert.CreatorPhone = s.Phone
	}
	if alert.Company == "" {
		alert.Company = s.CompanyID
	}

	info := *s.InfoAlert
	info.AlertID = alert.ID
	recipients := fanout.RecipientPhones(alert)
	peers := fanout.Exclude(recipients, s.Phone)
	names := fanout.Names(alert.Recipients)

	out.Try("activate_creator_session", func() error {
		return e.store.Update(ctx, s.Phone, session.Patch{
			AlertActive: model.Bool(true),
			InfoAlert:   &info,
			Disponible:  model.Bool(true),
		})
	})
	if len(peers) > 0 {
		out.Try("activate_recipient_sessions", func() error {
			return e.store.BulkUpdate(ctx, peers, session.Patch{
				AlertActive: model.Bool(true),
				InfoAlert:   &info,
				Unset:       []session.Field{session.FieldDisponible, session.FieldEmbarcado},
			})
		})
	}
	if len(alert.Topics) > 0 {
		out.Note("hardware_activate", e.hw.Activate(ctx, alert).OK())
	}
	e.reply(ctx, out, "confirm_creator", s.Phone, alertCreatedText(alert))

	if len(recipients) == 0 {
		return nil
	}
	res := e.bc.Send(ctx, "alert_template", recipients, func(ctx context.Context, phone string) error {
		return e.chat.SendTemplate(ctx, model.Template{
			Phone:    phone,
			Name:     e.opts.TemplateName,
			Language: e.opts.TemplateLanguage,
			Params:   []string{fanout.FirstName(displayName(names[phone])), alertName(alert), alert.Company},
		})
	})
	out.Note("notify_template", res.OK())

	if alert.Location.MapsURL != "" && e.notify.Pause(ctx) == nil {
		out.Note("notify_location", e.notify.LocationCards(ctx, alert, recipients).OK())
	}
	if len(peers) > 0 && e.notify.Pause(ctx) == nil {
		res := e.bc.Send(ctx, "available_prompt", peers, func(ctx context.Context, phone string) error {
			m := availablePrompt(names[phone], alert)
			m.Phone = phone
			return e.chat.SendButtonMessage(ctx, m)
		})
		out.Note("notify_available_prompt", res.OK())
	}
	return nil
}
