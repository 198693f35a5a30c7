package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/cache"
	"github.com/LeventeLantos/rescue-dispatch/internal/conversation"
	"github.com/LeventeLantos/rescue-dispatch/internal/model"
	"github.com/LeventeLantos/rescue-dispatch/internal/session"
)

const (
	creatorPhone = "573001110000"
	peerPhone    = "573002220000"
	alertID      = "al-1"
)

var (
	creatorID = model.Identity{ID: "u1", Phone: creatorPhone, Name: "Ana Ruiz", Company: "acme", Site: "hq", Role: model.Role{IsCreator: true}}
	peerID    = model.Identity{ID: "u2", Phone: peerPhone, Name: "Luis Gómez", Company: "acme", Site: "hq"}
	start     = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	engine  *conversation.Engine
	store   session.Store
	mem     *session.MemoryStore
	backend *fakeBackend
	chat    *fakeChat
	hw      *fakeHardware
	clock   *fakeClock

	mu       sync.Mutex
	outcomes []conversation.Outcome
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil)
}

func newHarnessWithStore(t *testing.T, wrap func(session.Store) session.Store) *harness {
	t.Helper()

	h := &harness{
		mem: session.NewMemoryStore(),
		backend: &fakeBackend{
			identities: map[string]model.Identity{creatorPhone: creatorID, peerPhone: peerID},
			alert: &model.Alert{
				ID:       alertID,
				Priority: "alta",
				Type:     model.AlertType{Name: "Incendio", Color: "ROJO"},
				Recipients: []model.Recipient{
					{Phone: "+" + creatorPhone, Name: "Ana Ruiz"},
					{Phone: peerPhone, Name: "Luis Gómez"},
				},
				Location: model.Location{MapsURL: "https://maps.example/1"},
				Topics:   []string{"acme/hq/SEMAFORO/s1"},
			},
		},
		chat:  &fakeChat{},
		hw:    &fakeHardware{},
		clock: &fakeClock{t: start},
	}
	h.store = h.mem
	if wrap != nil {
		h.store = wrap(h.mem)
	}
	h.engine = conversation.NewEngine(h.store, h.backend, h.chat, h.hw, conversation.Options{}, zerolog.Nop()).
		WithClock(h.clock.Now).
		WithObserver(func(o conversation.Outcome) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.outcomes = append(h.outcomes, o)
		})
	return h
}

func (h *harness) process(t *testing.T, payload []byte) {
	t.Helper()
	if err := h.engine.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
}

func (h *harness) session(t *testing.T, phone string) *model.Session {
	t.Helper()
	s, err := h.mem.Get(context.Background(), phone)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", phone, err)
	}
	return s
}

func (h *harness) seed(t *testing.T, id model.Identity, p session.Patch) {
	t.Helper()
	ctx := context.Background()
	if err := h.mem.Add(ctx, model.NewSession(id, id.Phone)); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if !p.IsZero() {
		if err := h.mem.Update(ctx, id.Phone, p); err != nil {
			t.Fatalf("Update() error: %v", err)
		}
	}
}

func pendingPatch(created time.Time) session.Patch {
	return session.Patch{
		AlertActive: model.Bool(false),
		InfoAlert:   &model.InfoAlert{Type: "ROJO", Description: "Alerta por incendio", CreatedAt: created},
	}
}

func activePatch(available bool) session.Patch {
	return session.Patch{
		AlertActive: model.Bool(true),
		InfoAlert:   &model.InfoAlert{Type: "ROJO", CreatedAt: start, AlertID: alertID},
		Disponible:  model.Bool(available),
	}
}

func webhook(from string, msg map[string]any) []byte {
	msg["from"] = from
	msg["id"] = "wamid." + from
	b, _ := json.Marshal(map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"value": map[string]any{"messages": []any{msg}},
			}},
		}},
	})
	return b
}

func listReply(from, id string) []byte {
	return webhook(from, map[string]any{
		"type": "interactive",
		"interactive": map[string]any{
			"type":       "list_reply",
			"list_reply": map[string]any{"id": id, "title": id},
		},
	})
}

func buttonReply(from, id string) []byte {
	return webhook(from, map[string]any{
		"type": "interactive",
		"interactive": map[string]any{
			"type":         "button_reply",
			"button_reply": map[string]any{"id": id, "title": id},
		},
	})
}

func locationMsg(from string) []byte {
	return webhook(from, map[string]any{
		"type":     "location",
		"location": map[string]any{"latitude": 4.6097, "longitude": -74.0817},
	})
}

func textMsg(from, body string) []byte {
	return webhook(from, map[string]any{"type": "text", "text": map[string]any{"body": body}})
}

func TestEngine_UnknownCreatorGetsMenu(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.process(t, textMsg("+"+creatorPhone, "hola"))

	s := h.session(t, creatorPhone)
	if !s.Role.IsCreator || s.Name != "Ana Ruiz" || conversation.Classify(s) != conversation.StateIdle {
		t.Fatalf("unexpected cached session: %+v", s)
	}
	menus := h.chat.to(creatorPhone, "list")
	if len(menus) != 1 || len(menus[0].ids) != 5 || menus[0].ids[0] != "ROJO" {
		t.Fatalf("expected alert menu, got %+v", menus)
	}
	if !strings.HasPrefix(menus[0].text, "Hola Ana Ruiz.\nBienvenido") {
		t.Fatalf("unexpected menu header: %q", menus[0].text)
	}
}

func TestEngine_UnknownNonCreatorDeniedButCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.process(t, textMsg(peerPhone, "hola"))

	if s := h.session(t, peerPhone); s.Role.IsCreator {
		t.Fatalf("unexpected session: %+v", s)
	}
	if texts := h.chat.to(peerPhone, "text"); len(texts) != 1 || !strings.Contains(texts[0].text, "permisos") {
		t.Fatalf("expected denial, got %+v", texts)
	}
	if st := h.engine.Stats(); st.Denied != 1 {
		t.Fatalf("expected one denial, got %+v", st)
	}
}

func TestEngine_UnregisteredGetsReplyAndNoSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.process(t, textMsg("573009990000", "hola"))

	if _, err := h.mem.Get(context.Background(), "573009990000"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected no session, got %v", err)
	}
	if texts := h.chat.to("573009990000", "text"); len(texts) != 1 || !strings.Contains(texts[0].text, "no te encuentras registrado") {
		t.Fatalf("expected not registered reply, got %+v", texts)
	}
}

func TestEngine_IdleSelectionStartsPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, session.Patch{})

	h.process(t, listReply(creatorPhone, "AZUL"))

	s := h.session(t, creatorPhone)
	if conversation.Classify(s) != conversation.StatePendingLocation {
		t.Fatalf("expected pending location, got %s", conversation.Classify(s))
	}
	if s.InfoAlert.Type != "AZUL" || !s.InfoAlert.CreatedAt.Equal(start) {
		t.Fatalf("unexpected info alert: %+v", s.InfoAlert)
	}
	if reqs := h.chat.to(creatorPhone, "location_request"); len(reqs) != 1 || !strings.Contains(reqs[0].text, "Inundación") {
		t.Fatalf("expected location request, got %+v", reqs)
	}
}

func TestEngine_IdleSelectionDeniedForNonCreator(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, session.Patch{})

	h.process(t, listReply(peerPhone, "ROJO"))

	if s := h.session(t, peerPhone); s.InfoAlert != nil {
		t.Fatalf("expected no pending alert, got %+v", s.InfoAlert)
	}
	if texts := h.chat.to(peerPhone, "text"); len(texts) != 1 {
		t.Fatalf("expected denial, got %+v", texts)
	}
}

func TestEngine_LocationWithinWindowCreatesAlertOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, pendingPatch(start))
	h.clock.Advance(4*time.Minute + 59*time.Second)

	h.process(t, locationMsg(creatorPhone))

	if n := h.backend.createCount(); n != 1 {
		t.Fatalf("expected one alert creation, got %d", n)
	}
	req := h.backend.creates[0]
	if req.Type != "ROJO" || req.CreatorPhone != creatorPhone || req.Latitude != 4.6097 || req.CompanyID != "acme" {
		t.Fatalf("unexpected create request: %+v", req)
	}

	creator := h.session(t, creatorPhone)
	if conversation.Classify(creator) != conversation.StateActiveAvailable || creator.InfoAlert.AlertID != alertID {
		t.Fatalf("unexpected creator session: %+v", creator)
	}
	peer := h.session(t, peerPhone)
	if conversation.Classify(peer) != conversation.StateActiveUnavailable || peer.InfoAlert.AlertID != alertID {
		t.Fatalf("unexpected peer session: %+v", peer)
	}

	for _, p := range []string{creatorPhone, peerPhone} {
		if got := h.chat.to(p, "template"); len(got) != 1 {
			t.Fatalf("expected template for %s, got %+v", p, got)
		}
		if got := h.chat.to(p, "url_card"); len(got) != 1 || got[0].ids[0] != "https://maps.example/1" {
			t.Fatalf("expected location card for %s, got %+v", p, got)
		}
	}
	if got := h.chat.to(peerPhone, "buttons"); len(got) != 1 || got[0].ids[0] != conversation.ButtonAvailable {
		t.Fatalf("expected availability prompt for peer, got %+v", got)
	}
	if got := h.chat.to(creatorPhone, "buttons"); len(got) != 0 {
		t.Fatalf("creator must not get the availability prompt, got %+v", got)
	}
	if len(h.hw.activated) != 1 {
		t.Fatalf("expected hardware activation, got %v", h.hw.activated)
	}

	// Replaying the same event must not create a second alert.
	h.process(t, locationMsg(creatorPhone))
	if n := h.backend.createCount(); n != 1 {
		t.Fatalf("expected replay to be a no-op, got %d creations", n)
	}
}

func TestEngine_LocationAfterWindowTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, pendingPatch(start))
	h.clock.Advance(5*time.Minute + time.Second)

	h.process(t, locationMsg(creatorPhone))

	if n := h.backend.createCount(); n != 0 {
		t.Fatalf("expected no alert creation, got %d", n)
	}
	s := h.session(t, creatorPhone)
	if s.InfoAlert != nil || s.AlertActive {
		t.Fatalf("expected pending state cleared, got %+v", s)
	}
	if texts := h.chat.to(creatorPhone, "text"); len(texts) != 1 || !strings.Contains(texts[0].text, "expiró") {
		t.Fatalf("expected timeout reply, got %+v", texts)
	}
}

func TestEngine_PendingRepromptsForOtherInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, pendingPatch(start))
	h.clock.Advance(time.Minute)

	h.process(t, textMsg(creatorPhone, "ya voy"))

	if got := h.chat.to(creatorPhone, "location_request"); len(got) != 1 {
		t.Fatalf("expected location re-prompt, got %+v", got)
	}
	if conversation.Classify(h.session(t, creatorPhone)) != conversation.StatePendingLocation {
		t.Fatalf("expected session to stay pending")
	}
}

func TestEngine_CreateFailureReleasesClaimForRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, pendingPatch(start))
	h.backend.createErr = errors.New("backend: 503")

	if err := h.engine.Process(context.Background(), locationMsg(creatorPhone)); err == nil {
		t.Fatalf("expected error so the queue retries")
	}
	if conversation.Classify(h.session(t, creatorPhone)) != conversation.StatePendingLocation {
		t.Fatalf("expected session back in pending location")
	}

	h.backend.mu.Lock()
	h.backend.createErr = nil
	h.backend.mu.Unlock()

	h.process(t, locationMsg(creatorPhone))
	if n := h.backend.createCount(); n != 2 {
		t.Fatalf("expected retry to create, got %d calls", n)
	}
	if conversation.Classify(h.session(t, creatorPhone)) != conversation.StateActiveAvailable {
		t.Fatalf("expected active session after retry")
	}
}

// racingStore lets another writer touch the session right before the first
// guarded write, like a second worker on the same identity would.
type racingStore struct {
	session.Store
	once sync.Once
}

func (r *racingStore) CompareAndUpdate(ctx context.Context, phone string, version int64, p session.Patch) error {
	r.once.Do(func() {
		_ = r.Store.Update(ctx, phone, session.Patch{AlertActive: model.Bool(false)})
	})
	return r.Store.CompareAndUpdate(ctx, phone, version, p)
}

func TestEngine_ConcurrentWriterWinsClaim(t *testing.T) {
	t.Parallel()

	h := newHarnessWithStore(t, func(s session.Store) session.Store { return &racingStore{Store: s} })
	h.seed(t, creatorID, pendingPatch(start))

	h.process(t, locationMsg(creatorPhone))

	if n := h.backend.createCount(); n != 0 {
		t.Fatalf("expected the losing event to skip creation, got %d", n)
	}
}

func TestEngine_NonCreatorPowerOffDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, activePatch(true))

	h.process(t, buttonReply(peerPhone, alertID))

	if s := h.session(t, peerPhone); !s.AlertActive {
		t.Fatalf("expected alert_active unchanged, got %+v", s)
	}
	if len(h.backend.deactivates) != 0 {
		t.Fatalf("expected no deactivation, got %v", h.backend.deactivates)
	}
	if texts := h.chat.to(peerPhone, "text"); len(texts) != 1 || !strings.Contains(texts[0].text, "permisos") {
		t.Fatalf("expected denial, got %+v", texts)
	}
}

func TestEngine_CreatorPowerOffClearsEveryone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, activePatch(true))
	h.seed(t, peerID, session.Patch{
		AlertActive: model.Bool(true),
		InfoAlert:   &model.InfoAlert{Type: "ROJO", AlertID: alertID},
		Embarcado:   model.Bool(true),
	})

	h.process(t, buttonReply(creatorPhone, conversation.ButtonPowerOff))

	if len(h.backend.deactivates) != 1 || h.backend.deactivates[0] != alertID+":"+creatorPhone {
		t.Fatalf("unexpected deactivations: %v", h.backend.deactivates)
	}
	for _, p := range []string{creatorPhone, peerPhone} {
		s := h.session(t, p)
		if s.AlertActive || s.InfoAlert != nil || s.Disponible || s.Embarcado {
			t.Fatalf("expected %s cleared, got %+v", p, s)
		}
	}
	if got := h.chat.to(peerPhone, "text"); len(got) != 1 || !strings.Contains(got[0].text, "concluido") {
		t.Fatalf("expected conclusion broadcast to peer, got %+v", got)
	}
	if got := h.chat.to(creatorPhone, "text"); len(got) != 1 || !strings.Contains(got[0].text, "apagada") {
		t.Fatalf("expected confirmation to creator, got %+v", got)
	}
	if len(h.hw.deactivated) != 1 || h.hw.deactivated[0][0] != "acme/hq/SEMAFORO/s1" {
		t.Fatalf("expected hardware deactivation, got %v", h.hw.deactivated)
	}
	if st := h.engine.Stats(); st.AlertsDeactivated != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestEngine_IdleCreatorCanPowerOffFromAlarmCard(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, session.Patch{})

	h.process(t, buttonReply(creatorPhone, "hw-9"))

	if len(h.backend.deactivates) != 1 || h.backend.deactivates[0] != "hw-9:"+creatorPhone {
		t.Fatalf("unexpected deactivations: %v", h.backend.deactivates)
	}
}

func TestEngine_UnavailableGetsPromptThenBecomesAvailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, activePatch(false))

	h.process(t, textMsg(peerPhone, "qué pasa?"))

	prompts := h.chat.to(peerPhone, "buttons")
	if len(prompts) != 1 || prompts[0].ids[0] != conversation.ButtonAvailable || !strings.Contains(prompts[0].text, "Incendio") {
		t.Fatalf("expected availability prompt, got %+v", prompts)
	}
	if h.backend.gets != 1 {
		t.Fatalf("expected alert refetch, got %d", h.backend.gets)
	}

	h.process(t, buttonReply(peerPhone, conversation.ButtonAvailable))

	s := h.session(t, peerPhone)
	if conversation.Classify(s) != conversation.StateActiveAvailable {
		t.Fatalf("expected available, got %s", conversation.Classify(s))
	}
	if st := h.backend.statuses[peerPhone]; st.Disponible == nil || !*st.Disponible {
		t.Fatalf("expected backend availability update, got %+v", st)
	}
}

func TestEngine_BoardedBroadcastsToPeers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, activePatch(true))

	h.process(t, listReply(peerPhone, conversation.ListBoarded))

	if s := h.session(t, peerPhone); !s.Embarcado {
		t.Fatalf("expected embarcado, got %+v", s)
	}
	if got := h.chat.to(creatorPhone, "text"); len(got) != 1 || got[0].text != "Luis Gómez va en camino a la emergencia." {
		t.Fatalf("expected en route broadcast, got %+v", got)
	}
	if got := h.chat.to(peerPhone, "text"); len(got) != 1 {
		t.Fatalf("expected ack to actor, got %+v", got)
	}
}

func TestEngine_FreeTextIsRelayed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, activePatch(true))

	h.process(t, textMsg(peerPhone, "llego en 5 minutos"))

	if got := h.chat.to(creatorPhone, "text"); len(got) != 1 || got[0].text != "Luis Gómez: llego en 5 minutos" {
		t.Fatalf("expected relayed text, got %+v", got)
	}
	if got := h.chat.to(peerPhone, "text"); len(got) != 0 {
		t.Fatalf("sender must not receive own relay, got %+v", got)
	}
}

func TestEngine_HelpShowsOptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, activePatch(true))
	h.seed(t, creatorID, activePatch(true))

	h.process(t, textMsg(peerPhone, "Ayuda"))
	h.process(t, textMsg(creatorPhone, "menu"))

	peer := h.chat.to(peerPhone, "list")
	if len(peer) != 1 || len(peer[0].ids) != 2 {
		t.Fatalf("expected options without power off, got %+v", peer)
	}
	creator := h.chat.to(creatorPhone, "list")
	if len(creator) != 1 || creator[0].ids[0] != conversation.ListPowerOff {
		t.Fatalf("expected options with power off, got %+v", creator)
	}
}

func TestEngine_ResendLocation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, activePatch(true))

	h.process(t, listReply(peerPhone, conversation.ListLocation))

	if got := h.chat.to(peerPhone, "url_card"); len(got) != 1 || !strings.HasPrefix(got[0].text, "¡HOLA LUIS!") {
		t.Fatalf("expected location card, got %+v", got)
	}
}

func TestEngine_CompanyDeactivation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, activePatch(true))
	h.seed(t, peerID, activePatch(false))

	payload, _ := json.Marshal(map[string]any{
		"type":      model.CompanyDeactivationType,
		"timestamp": "2026-03-02T10:30:00Z",
		"alert": map[string]any{
			"id":              alertID,
			"nombre":          "Incendio",
			"empresa":         "Acme",
			"sede":            "HQ",
			"prioridad":       "alta",
			"desactivado_por": map[string]any{"nombre": "Supervisor"},
			"usuarios": []any{
				map[string]any{"telefono": "+" + creatorPhone, "nombre": "Ana Ruiz"},
				map[string]any{"telefono": peerPhone, "nombre": "Luis Gómez"},
			},
			"hardware_vinculado": []any{
				map[string]any{"topic": "empresas/acme/hq/PANTALLA/p1", "nombre": "p1"},
			},
		},
	})

	h.process(t, payload)

	for _, p := range []string{creatorPhone, peerPhone} {
		if s := h.session(t, p); s.AlertActive || s.InfoAlert != nil {
			t.Fatalf("expected %s cleared, got %+v", p, s)
		}
	}
	got := h.chat.to(creatorPhone, "text")
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %+v", got)
	}
	want := "¡Hola ANA!\n\nALERTA DESACTIVADA POR ACME\n\nDetalles:\nAlerta: Incendio\nSede: HQ\nMomento: 02/03/2026 10:30\nDesactivada por: Supervisor\n\nEl sistema ha vuelto a estado normal\nSISTEMA RESCUE"
	if got[0].text != want {
		t.Fatalf("unexpected notification:\n%s", got[0].text)
	}
	if len(h.hw.deactivated) != 1 || h.hw.deactivated[0][0] != "empresas/acme/hq/PANTALLA/p1" {
		t.Fatalf("expected hardware deactivation, got %v", h.hw.deactivated)
	}
}

func TestEngine_InvalidCompanyDeactivationDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	payload := []byte(`{"type":"alert_deactivated_by_empresa","alert":{"nombre":"x"}}`)

	h.process(t, payload)

	if h.chat.count() != 0 || h.engine.Stats().Dropped != 1 {
		t.Fatalf("expected event dropped, got %d messages %+v", h.chat.count(), h.engine.Stats())
	}
}

func TestEngine_MalformedAndForeignPayloads(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.process(t, []byte(`{not json`))
	h.process(t, []byte(`{"entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`))

	st := h.engine.Stats()
	if st.Dropped != 1 || st.Ignored != 1 || h.chat.count() != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

type brokenStore struct{ session.Store }

func (brokenStore) Get(ctx context.Context, phone string) (*model.Session, error) {
	return nil, errors.New("connection refused")
}

func TestEngine_StoreErrorIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarnessWithStore(t, func(s session.Store) session.Store { return brokenStore{Store: s} })

	if err := h.engine.Process(context.Background(), textMsg(creatorPhone, "hola")); err == nil {
		t.Fatalf("expected error")
	}
	if h.chat.count() != 0 {
		t.Fatalf("expected no replies")
	}
}

func TestEngine_ObserverSeesOrderedSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, creatorID, activePatch(true))

	h.process(t, buttonReply(creatorPhone, alertID))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(h.outcomes))
	}
	steps := strings.Join(h.outcomes[0].StepNames(), ",")
	if steps != "clear_sessions,broadcast_concluded,confirm_deactivation,hardware_deactivate" {
		t.Fatalf("unexpected steps: %s", steps)
	}
	if h.outcomes[0].State != conversation.StateActiveAvailable {
		t.Fatalf("unexpected state: %s", h.outcomes[0].State)
	}
}

func TestEngine_RedeliveredMessageRunsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.engine.WithDeduper(cache.NewMemoryDeduper(time.Hour))
	h.seed(t, creatorID, pendingPatch(start))

	payload := locationMsg(creatorPhone)
	h.process(t, payload)
	h.process(t, payload)

	if n := h.backend.createCount(); n != 1 {
		t.Fatalf("expected one alert for a redelivered message, got %d", n)
	}
	if st := h.engine.Stats(); st.Duplicates != 1 {
		t.Fatalf("expected 1 duplicate, got %+v", st)
	}
}

func TestEngine_FailedMessageIsNotTreatedAsDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.engine.WithDeduper(cache.NewMemoryDeduper(time.Hour))
	h.seed(t, creatorID, pendingPatch(start))
	h.backend.createErr = errors.New("backend: 503")

	payload := locationMsg(creatorPhone)
	if err := h.engine.Process(context.Background(), payload); err == nil {
		t.Fatal("expected error so the queue retries")
	}

	h.backend.mu.Lock()
	h.backend.createErr = nil
	h.backend.mu.Unlock()

	h.process(t, payload)
	if n := h.backend.createCount(); n != 2 {
		t.Fatalf("expected the retry to reach the backend, got %d calls", n)
	}
	if st := h.engine.Stats(); st.Duplicates != 0 {
		t.Fatalf("retry counted as duplicate: %+v", st)
	}
}

func TestEngine_RecipientSessionIsVerifiedOnFirstMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.identities[peerPhone] = model.Identity{
		ID: "u2", Phone: peerPhone, Name: "Luis Gómez", Company: "acme", Site: "hq",
		Role: model.Role{IsCreator: true},
	}
	h.seed(t, creatorID, pendingPatch(start))

	h.process(t, locationMsg(creatorPhone))
	if s := h.session(t, peerPhone); s.Verified || s.Role.IsCreator {
		t.Fatalf("expected a bare recipient session, got %+v", s)
	}
	h.process(t, buttonReply(creatorPhone, conversation.ButtonPowerOff))
	h.process(t, textMsg(peerPhone, "hola"))

	s := h.session(t, peerPhone)
	if !s.Verified || !s.Role.IsCreator || s.Name != "Luis Gómez" || s.CompanyID != "acme" {
		t.Fatalf("expected verified creator session, got %+v", s)
	}
	if menus := h.chat.to(peerPhone, "list"); len(menus) != 1 {
		t.Fatalf("expected alert menu, got %+v", menus)
	}
	for _, m := range h.chat.to(peerPhone, "text") {
		if strings.Contains(m.text, "permisos") {
			t.Fatalf("verified creator was denied: %+v", m)
		}
	}
}

func TestEngine_RecipientKeepsAlertWhileBeingVerified(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.mem.BulkUpdate(context.Background(), []string{peerPhone}, activePatch(false)); err != nil {
		t.Fatalf("BulkUpdate() error: %v", err)
	}

	h.process(t, buttonReply(peerPhone, conversation.ButtonAvailable))

	s := h.session(t, peerPhone)
	if !s.Verified || s.Name != "Luis Gómez" {
		t.Fatalf("expected identity merged, got %+v", s)
	}
	if conversation.Classify(s) != conversation.StateActiveAvailable || s.InfoAlert.AlertID != alertID {
		t.Fatalf("expected alert kept and marked available, got %+v", s)
	}
}

func TestEngine_UnregisteredRecipientIsTold(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const stranger = "573009990000"
	if err := h.mem.BulkUpdate(context.Background(), []string{stranger}, activePatch(false)); err != nil {
		t.Fatalf("BulkUpdate() error: %v", err)
	}

	h.process(t, textMsg(stranger, "hola"))

	if s := h.session(t, stranger); s.Verified {
		t.Fatalf("expected session to stay unverified, got %+v", s)
	}
	if got := h.chat.to(stranger, "buttons"); len(got) != 0 {
		t.Fatalf("expected no availability prompt, got %+v", got)
	}
	if texts := h.chat.to(stranger, "text"); len(texts) != 1 {
		t.Fatalf("expected not registered reply, got %+v", texts)
	}
}

func TestEngine_UnknownCreatorCanPowerOffFromAlarmCard(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.process(t, buttonReply(creatorPhone, alertID))

	if len(h.backend.deactivates) != 1 || h.backend.deactivates[0] != alertID+":"+creatorPhone {
		t.Fatalf("unexpected deactivations: %v", h.backend.deactivates)
	}
	if got := h.chat.to(creatorPhone, "list"); len(got) != 0 {
		t.Fatalf("expected no menu, got %+v", got)
	}
	if s := h.session(t, creatorPhone); !s.Verified {
		t.Fatalf("expected session cached, got %+v", s)
	}
}

func TestEngine_UnavailableNonCreatorPowerOffDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, peerID, activePatch(false))

	for _, id := range []string{conversation.ButtonPowerOff, alertID} {
		h.process(t, buttonReply(peerPhone, id))
	}

	if len(h.backend.deactivates) != 0 {
		t.Fatalf("expected no deactivation, got %v", h.backend.deactivates)
	}
	if got := h.chat.to(peerPhone, "buttons"); len(got) != 0 {
		t.Fatalf("expected no availability prompt, got %+v", got)
	}
	if texts := h.chat.to(peerPhone, "text"); len(texts) != 2 || !strings.Contains(texts[0].text, "permisos") {
		t.Fatalf("expected two denials, got %+v", texts)
	}
}

type flakyStore struct {
	session.Store
	mu     sync.Mutex
	panics int
}

func (f *flakyStore) Get(ctx context.Context, phone string) (*model.Session, error) {
	f.mu.Lock()
	boom := f.panics > 0
	if boom {
		f.panics--
	}
	f.mu.Unlock()
	if boom {
		panic("session store: nil pointer")
	}
	return f.Store.Get(ctx, phone)
}

func TestEngine_PanickedMessageIsNotTreatedAsDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarnessWithStore(t, func(s session.Store) session.Store { return &flakyStore{Store: s, panics: 1} })
	h.engine.WithDeduper(cache.NewMemoryDeduper(time.Hour))
	payload := textMsg(creatorPhone, "hola")

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected the panic to propagate")
			}
		}()
		_ = h.engine.Process(context.Background(), payload)
	}()

	h.process(t, payload)
	if got := h.chat.to(creatorPhone, "list"); len(got) != 1 {
		t.Fatalf("expected the retry to be handled, got %+v", got)
	}
	if st := h.engine.Stats(); st.Duplicates != 0 {
		t.Fatalf("retry counted as duplicate: %+v", st)
	}
}
