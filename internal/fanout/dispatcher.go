package fanout

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

const (
	KindSemaforo = "SEMAFORO"
	KindPantalla = "PANTALLA"
	KindGeneric  = "GENERIC"

	normalStatus = "NORMAL"
)

// Publisher delivers one JSON command to a hardware topic.
type Publisher interface {
	PublishJSON(ctx context.Context, topic string, v any) error
}

// Result counts independent deliveries of one fan-out.
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// OK reports whether at least one delivery went through.
func (r Result) OK() bool { return r.Succeeded > 0 }

func (r Result) add(o Result) Result {
	return Result{
		Attempted: r.Attempted + o.Attempted,
		Succeeded: r.Succeeded + o.Succeeded,
		Failed:    r.Failed + o.Failed,
	}
}

// Dispatcher turns alerts into per-device hardware commands.
type Dispatcher struct {
	pub  Publisher
	root string
	log  zerolog.Logger
}

func NewDispatcher(pub Publisher, root string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pub:  pub,
		root: strings.Trim(root, "/"),
		log:  log.With().Str("component", "dispatcher").Logger(),
	}
}

// Topic returns the publish topic for a linked hardware topic.
func (d *Dispatcher) Topic(t string) string {
	t = strings.Trim(t, "/")
	if d.root == "" || t == d.root || strings.HasPrefix(t, d.root+"/") {
		return t
	}
	return d.root + "/" + t
}

// Kind classifies a topic by the device type it names. Structured topics
// end in <type>/<device>; anything shorter is matched loosely.
func Kind(topic string) string {
	up := strings.ToUpper(strings.Trim(topic, "/"))
	if parts := strings.Split(up, "/"); len(parts) >= 4 {
		switch t := parts[len(parts)-2]; t {
		case KindSemaforo, KindPantalla:
			return t
		default:
			return KindGeneric
		}
	}
	switch {
	case strings.Contains(up, KindSemaforo):
		return KindSemaforo
	case strings.Contains(up, KindPantalla):
		return KindPantalla
	default:
		return KindGeneric
	}
}

func ActivationPayload(topic string, a *model.Alert) map[string]any {
	switch Kind(topic) {
	case KindSemaforo:
		return map[string]any{"tipo_alarma": a.Type.Color}
	case KindPantalla:
		return map[string]any{
			"tipo_alarma":          a.Type.Color,
			"prioridad":            a.Priority,
			"ubicacion":            a.Location.Address,
			"url":                  a.Location.OpenMapsURL,
			"elementos_necesarios": nonNil(a.Type.RequiredItems),
			"instrucciones":        nonNil(a.Type.Recommendations),
		}
	default:
		return map[string]any{"action": "generic", "message": "notificación genérica"}
	}
}

func DeactivationPayload(topic, priority string) map[string]any {
	p := map[string]any{"tipo_alarma": normalStatus}
	if Kind(topic) == KindPantalla {
		p["prioridad"] = strings.ToUpper(priority)
	}
	return p
}

// Activate publishes the alert to every linked hardware topic.
func (d *Dispatcher) Activate(ctx context.Context, a *model.Alert) Result {
	if a.Type.Color == "" && a.Type.Name == "" {
		d.log.Warn().Str("alert_id", a.ID).Msg("alert has no type info, hardware not notified")
		return Result{}
	}
	return d.publishAll(ctx, a.Topics, func(topic string) any { return ActivationPayload(topic, a) }, a.ID)
}

// Deactivate returns every topic to the normal state.
func (d *Dispatcher) Deactivate(ctx context.Context, alertID string, topics []string, priority string) Result {
	return d.publishAll(ctx, topics, func(topic string) any { return DeactivationPayload(topic, priority) }, alertID)
}

func (d *Dispatcher) publishAll(ctx context.Context, topics []string, payload func(string) any, alertID string) Result {
	var res Result
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if strings.TrimSpace(t) == "" {
			continue
		}
		topic := d.Topic(t)
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}

		res.Attempted++
		if err := d.pub.PublishJSON(ctx, topic, payload(topic)); err != nil {
			res.Failed++
			d.log.Error().Err(err).Str("topic", topic).Str("alert_id", alertID).Msg("hardware publish failed")
			continue
		}
		res.Succeeded++
	}

	d.log.Info().
		Str("alert_id", alertID).
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Msg("hardware fan-out finished")
	return res
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
