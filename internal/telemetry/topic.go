package telemetry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

const (
	DefaultRoot   = "empresas"
	DefaultMarker = "BOTONERA"
)

var (
	ErrTopicShape       = errors.New("telemetry topic has unexpected layout")
	ErrMalformedPayload = errors.New("telemetry payload is not valid json")
)

// ParseTopic reports whether topic is a button topic: a segment containing
// marker followed by exactly one non-empty segment. Accepted topics must also
// have the form <root>/<company>/<site>/<type>/<id>, otherwise ErrTopicShape.
func ParseTopic(topic, root, marker string) (model.Device, bool, error) {
	parts := strings.Split(topic, "/")

	at := -1
	for i, p := range parts {
		if strings.Contains(p, marker) {
			at = i
			break
		}
	}
	if at < 0 {
		return model.Device{}, false, nil
	}

	var trailing []string
	for _, p := range parts[at+1:] {
		if strings.TrimSpace(p) != "" {
			trailing = append(trailing, p)
		}
	}
	if len(trailing) != 1 {
		return model.Device{}, false, nil
	}

	fixed := append(parts[:at+1:at+1], trailing[0])
	if len(fixed) != 5 || fixed[0] != root || fixed[1] == "" || fixed[2] == "" {
		return model.Device{}, true, fmt.Errorf("%w: %q", ErrTopicShape, topic)
	}

	return model.Device{
		Root:    fixed[0],
		Company: fixed[1],
		Site:    fixed[2],
		Type:    fixed[3],
		ID:      fixed[4],
		Topic:   topic,
	}, true, nil
}
