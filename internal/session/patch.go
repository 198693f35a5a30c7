package session

import (
	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

type Field string

const (
	FieldInfoAlert   Field = "info_alert"
	FieldAlertActive Field = "alert_active"
	FieldDisponible  Field = "disponible"
	FieldEmbarcado   Field = "embarcado"
)

// DeleteMarker is how an unset field travels over the chat gateway API.
const DeleteMarker = "__DELETE__"

// Patch is a partial session update. Unset runs before the set fields, so a
// field named in both ends up set. Identity, when present, overwrites the
// profile fields and marks the session verified.
type Patch struct {
	AlertActive *bool
	InfoAlert   *model.InfoAlert
	Disponible  *bool
	Embarcado   *bool
	Identity    *model.Identity
	Unset       []Field
}

// ClearAlert drops everything an alert left behind.
func ClearAlert() Patch {
	return Patch{Unset: []Field{FieldInfoAlert, FieldAlertActive, FieldDisponible, FieldEmbarcado}}
}

// ClearPending drops a pending selection that never got a location.
func ClearPending() Patch {
	return Patch{Unset: []Field{FieldInfoAlert, FieldAlertActive}}
}

func (p Patch) IsZero() bool {
	return p.AlertActive == nil && p.InfoAlert == nil && p.Disponible == nil &&
		p.Embarcado == nil && p.Identity == nil && len(p.Unset) == 0
}

func (p Patch) Apply(s *model.Session) {
	for _, f := range p.Unset {
		switch f {
		case FieldInfoAlert:
			s.InfoAlert = nil
		case FieldAlertActive:
			s.AlertActive = false
		case FieldDisponible:
			s.Disponible = false
		case FieldEmbarcado:
			s.Embarcado = false
		}
	}
	if p.AlertActive != nil {
		s.AlertActive = *p.AlertActive
	}
	if p.InfoAlert != nil {
		ia := *p.InfoAlert
		s.InfoAlert = &ia
	}
	if p.Disponible != nil {
		s.Disponible = *p.Disponible
	}
	if p.Embarcado != nil {
		s.Embarcado = *p.Embarcado
	}
	if p.Identity != nil {
		s.Name = p.Identity.Name
		s.CompanyID = p.Identity.Company
		s.Site = p.Identity.Site
		s.Role = p.Identity.Role
		s.Verified = true
	}
}

// Map renders the patch as the chat gateway expects it.
func (p Patch) Map() map[string]any {
	m := make(map[string]any, 4)
	for _, f := range p.Unset {
		m[string(f)] = DeleteMarker
	}
	if p.AlertActive != nil {
		m[string(FieldAlertActive)] = *p.AlertActive
	}
	if p.InfoAlert != nil {
		m[string(FieldInfoAlert)] = p.InfoAlert
	}
	if p.Disponible != nil {
		m[string(FieldDisponible)] = *p.Disponible
	}
	if p.Embarcado != nil {
		m[string(FieldEmbarcado)] = *p.Embarcado
	}
	if p.Identity != nil {
		m["name"] = p.Identity.Name
		m["empresa_id"] = p.Identity.Company
		m["sede"] = p.Identity.Site
		m["role"] = p.Identity.Role
		m["verified"] = true
	}
	return m
}
