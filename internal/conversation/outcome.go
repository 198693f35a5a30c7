package conversation

import (
	"github.com/rs/zerolog"
)

type Step struct {
	Name string
	Err  error
}

// Outcome is the ordered record of side effects one event produced. Steps
// are independent: a failed step never undoes or skips the others.
type Outcome struct {
	Phone string
	State State
	Event EventKind
	Steps []Step

	log zerolog.Logger
}

func newOutcome(log zerolog.Logger, phone string, state State, kind EventKind) *Outcome {
	return &Outcome{
		Phone: phone,
		State: state,
		Event: kind,
		log:   log,
	}
}

// Try runs fn as a named step and records its result.
func (o *Outcome) Try(name string, fn func() error) bool {
	err := fn()
	o.Steps = append(o.Steps, Step{Name: name, Err: err})
	if err != nil {
		o.log.Warn().Err(err).Str("step", name).Msg("side effect failed")
		return false
	}
	o.log.Debug().Str("step", name).Msg("side effect done")
	return true
}

// Note records a step whose result was computed elsewhere.
func (o *Outcome) Note(name string, ok bool) {
	var err error
	if !ok {
		err = errStepFailed
	}
	o.Steps = append(o.Steps, Step{Name: name, Err: err})
}

func (o *Outcome) Failed() []Step {
	var out []Step
	for _, s := range o.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Partial reports whether some but not all steps failed.
func (o *Outcome) Partial() bool {
	n := len(o.Failed())
	return n > 0 && n < len(o.Steps)
}

func (o *Outcome) StepNames() []string {
	names := make([]string, 0, len(o.Steps))
	for _, s := range o.Steps {
		names = append(names, s.Name)
	}
	return names
}
