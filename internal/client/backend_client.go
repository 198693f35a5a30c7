package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

var (
	ErrNotRegistered = errors.New("identity not registered")
	ErrRejected      = errors.New("backend rejected request")
	ErrNoToken       = errors.New("hardware authentication returned no token")
)

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Token   string          `json:"token"`
}

func (e envelope) decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return errors.New("response has no data")
	}
	return json.Unmarshal(e.Data, v)
}

type BackendClient struct {
	http *httpClient
}

func NewBackendClient(baseURL, apiKey string, timeout time.Duration, attempts int, log zerolog.Logger) *BackendClient {
	return &BackendClient{
		http: newHTTPClient(baseURL, apiKey, "rescue-dispatch-backend/1.0", timeout, attempts,
			log.With().Str("component", "backend_client").Logger()),
	}
}

func (c *BackendClient) VerifyIdentity(ctx context.Context, phone string) (*model.Identity, error) {
	var env envelope
	err := c.http.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/phone-lookup",
		query:  url.Values{"telefono": {phone}},
		out:    &env,
	})
	switch code := StatusCode(err); {
	case code == http.StatusNotFound, code == http.StatusUnauthorized:
		return nil, fmt.Errorf("verify %s: %w", phone, ErrNotRegistered)
	case err != nil:
		return nil, fmt.Errorf("verify %s: %w", phone, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("verify %s: %w: %s", phone, ErrNotRegistered, env.Message)
	}

	var id model.Identity
	if err := env.decode(&id); err != nil || id.Phone == "" {
		return nil, fmt.Errorf("verify %s: %w: incomplete identity", phone, ErrNotRegistered)
	}
	return &id, nil
}

func (c *BackendClient) CreateAlert(ctx context.Context, req model.CreateAlertRequest) (*model.Alert, error) {
	var env envelope
	err := c.http.do(ctx, call{method: http.MethodPost, path: "/api/user-alerts", in: req, out: &env})
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("create alert: %w: %s", ErrRejected, env.Message)
	}
	var alert model.Alert
	if err := env.decode(&alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return &alert, nil
}

func (c *BackendClient) DeactivateAlert(ctx context.Context, alertID, actorPhone string) (*model.Deactivation, error) {
	var env envelope
	err := c.http.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/user-alerts/" + url.PathEscape(alertID) + "/deactivate",
		in:     map[string]string{"telefono": actorPhone},
		out:    &env,
	})
	if err != nil {
		return nil, fmt.Errorf("deactivate alert %s: %w", alertID, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("deactivate alert %s: %w: %s", alertID, ErrRejected, env.Message)
	}
	var d model.Deactivation
	if err := env.decode(&d); err != nil {
		return nil, fmt.Errorf("deactivate alert %s: %w", alertID, err)
	}
	if d.AlertID == "" {
		d.AlertID = alertID
	}
	return &d, nil
}

func (c *BackendClient) UpdateRecipientStatus(ctx context.Context, alertID, phone string, status model.RecipientStatus) error {
	var env envelope
	err := c.http.do(ctx, call{
		method: http.MethodPatch,
		path:   "/api/user-alerts/" + url.PathEscape(alertID) + "/recipients/" + url.PathEscape(phone),
		in:     status,
		out:    &env,
	})
	if err != nil {
		return fmt.Errorf("update recipient %s on %s: %w", phone, alertID, err)
	}
	if !env.Success {
		return fmt.Errorf("update recipient %s on %s: %w: %s", phone, alertID, ErrRejected, env.Message)
	}
	return nil
}

func (c *BackendClient) GetAlert(ctx context.Context, alertID, requesterPhone string) (*model.Alert, error) {
	var env envelope
	err := c.http.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/user-alerts/" + url.PathEscape(alertID),
		query:  url.Values{"telefono": {requesterPhone}},
		out:    &env,
	})
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	if !env.Success {
		return nil, fmt.Errorf("get alert %s: %w: %s", alertID, ErrRejected, env.Message)
	}
	var alert model.Alert
	if err := env.decode(&alert); err != nil {
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	return &alert, nil
}

func (c *BackendClient) AuthenticateHardware(ctx context.Context, auth model.HardwareAuth) (string, error) {
	var env envelope
	err := c.http.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/hardware-auth/authenticate",
		in:     auth,
		out:    &env,
	})
	if err != nil {
		return "", fmt.Errorf("authenticate %s: %w", auth.Hardware, err)
	}
	if !env.Success {
		return "", fmt.Errorf("authenticate %s: %w: %s", auth.Hardware, ErrRejected, env.Message)
	}
	if env.Token == "" {
		return "", fmt.Errorf("authenticate %s: %w", auth.Hardware, ErrNoToken)
	}
	return env.Token, nil
}

// SendHardwareAlarm forwards a button press with the one-shot hardware token.
// The endpoint answers with the bare alert record.
func (c *BackendClient) SendHardwareAlarm(ctx context.Context, alarm model.HardwareAlarm, token string) (*model.Alert, error) {
	var alert model.Alert
	err := c.http.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/mqtt-alerts",
		in:     alarm,
		out:    &alert,
		token:  token,
	})
	if err != nil {
		return nil, fmt.Errorf("send alarm %s: %w", alarm.HardwareName, err)
	}
	return &alert, nil
}

func (c *BackendClient) Health(ctx context.Context) error {
	return c.http.do(ctx, call{method: http.MethodGet, path: "/api/mqtt-alerts/test-flow"})
}
