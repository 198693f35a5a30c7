package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

func newTestBackend(t *testing.T, h http.HandlerFunc) *BackendClient {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewBackendClient(srv.URL+"/", "secret", 2*time.Second, 3, zerolog.Nop())
	c.http.backoff = time.Millisecond
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestBackendClient_VerifyIdentity_Success(t *testing.T) {
	t.Parallel()

	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/phone-lookup" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("telefono"); got != "573001112233" {
			t.Errorf("expected telefono query, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer api key, got %q", got)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"id":       "u1",
				"telefono": "573001112233",
				"nombre":   "Ana Ruiz",
				"empresa":  "acme",
				"sede":     "hq",
				"rol":      map[string]any{"is_creator": true},
			},
		})
	})

	id, err := c.VerifyIdentity(context.Background(), "573001112233")
	if err != nil {
		t.Fatalf("VerifyIdentity() error: %v", err)
	}
	if id.Name != "Ana Ruiz" || id.Company != "acme" || !id.Role.IsCreator {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestBackendClient_VerifyIdentity_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.VerifyIdentity(context.Background(), "1")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single request, got %d", calls.Load())
	}
}

func TestBackendClient_VerifyIdentity_UnsuccessfulEnvelope(t *testing.T) {
	t.Parallel()

	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"success": false, "message": "no existe"})
	})

	if _, err := c.VerifyIdentity(context.Background(), "1"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestBackendClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"alert_id": "a1", "prioridad": "alta"},
		})
	})

	alert, err := c.GetAlert(context.Background(), "a1", "111")
	if err != nil {
		t.Fatalf("GetAlert() error: %v", err)
	}
	if alert.ID != "a1" || alert.Priority != "alta" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", calls.Load())
	}
}

func TestBackendClient_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.UpdateRecipientStatus(context.Background(), "a1", "111", model.RecipientStatus{Disponible: model.Bool(true)})
	if StatusCode(err) != http.StatusBadGateway {
		t.Fatalf("expected 502 status error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", calls.Load())
	}
}

func TestBackendClient_CreateAlert(t *testing.T) {
	t.Parallel()

	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/user-alerts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req model.CreateAlertRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Type != "ROJO" || req.CreatorPhone != "111" || req.Latitude != 4.6 {
			t.Errorf("unexpected body: %+v", req)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"alert_id":              "a9",
				"tipo_alarma_info":      map[string]any{"nombre": "Incendio", "tipo_alerta": "ROJO"},
				"numeros_telefonicos":   []map[string]any{{"numero": "111", "nombre": "Ana"}, {"numero": "222", "nombre": "Luis"}},
				"topics_otros_hardware": []string{"acme/hq/SEMAFORO/s1"},
			},
		})
	})

	alert, err := c.CreateAlert(context.Background(), model.CreateAlertRequest{
		Type: "ROJO", CreatorPhone: "111", Latitude: 4.6, Longitude: -74.1,
	})
	if err != nil {
		t.Fatalf("CreateAlert() error: %v", err)
	}
	if alert.ID != "a9" || len(alert.Recipients) != 2 || alert.Type.Color != "ROJO" || len(alert.Topics) != 1 {
		t.Fatalf("unexpected alert: %+v", alert)
	}
}

func TestBackendClient_DeactivateAlertRejected(t *testing.T) {
	t.Parallel()

	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/user-alerts/a1/deactivate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"success": false, "message": "ya inactiva"})
	})

	if _, err := c.DeactivateAlert(context.Background(), "a1", "111"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestBackendClient_HardwareFlowUsesOneShotToken(t *testing.T) {
	t.Parallel()

	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/hardware-auth/authenticate":
			var auth model.HardwareAuth
			_ = json.NewDecoder(r.Body).Decode(&auth)
			if auth.Hardware != "btn1" || auth.HardwareType != "BOTONERA" {
				t.Errorf("unexpected auth body: %+v", auth)
			}
			writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "token": "hw-token"})
		case "/api/mqtt-alerts":
			if got := r.Header.Get("Authorization"); got != "Bearer hw-token" {
				t.Errorf("expected hardware token, got %q", got)
			}
			body, _ := io.ReadAll(r.Body)
			var alarm map[string]any
			_ = json.Unmarshal(body, &alarm)
			if alarm["nombre_hardware"] != "btn1" {
				t.Errorf("unexpected alarm body: %s", body)
			}
			writeJSON(t, w, http.StatusOK, map[string]any{"alert_id": "hw-1", "prioridad": "alta"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	dev := model.Device{Company: "acme", Site: "hq", Type: "BOTONERA", ID: "btn1"}
	token, err := c.AuthenticateHardware(context.Background(), dev.Auth())
	if err != nil {
		t.Fatalf("AuthenticateHardware() error: %v", err)
	}
	alert, err := c.SendHardwareAlarm(context.Background(), dev.Alarm(json.RawMessage(`{"pressed":true}`)), token)
	if err != nil {
		t.Fatalf("SendHardwareAlarm() error: %v", err)
	}
	if alert.ID != "hw-1" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
}

func TestBackendClient_AuthenticateWithoutToken(t *testing.T) {
	t.Parallel()

	c := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true})
	})

	if _, err := c.AuthenticateHardware(context.Background(), model.HardwareAuth{Hardware: "x"}); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}
