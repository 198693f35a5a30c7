package session

import (
	"context"
	"errors"
	"strings"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
)

// Store is the narrow interface the conversation engine uses for cached
// per-identity state. Writes merge by field.
type Store interface {
	Get(ctx context.Context, phone string) (*model.Session, error)
	Add(ctx context.Context, s *model.Session) error
	Update(ctx context.Context, phone string, p Patch) error
	BulkUpdate(ctx context.Context, phones []string, p Patch) error
	// CompareAndUpdate applies p only if the stored version still equals
	// version, otherwise it returns ErrVersionConflict.
	CompareAndUpdate(ctx context.Context, phone string, version int64, p Patch) error
}

// NormalizePhone keeps digits only, so "+57 300-123" becomes "57300123".
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func NormalizeAll(phones []string) []string {
	out := make([]string, 0, len(phones))
	seen := make(map[string]struct{}, len(phones))
	for _, p := range phones {
		n := NormalizePhone(p)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
