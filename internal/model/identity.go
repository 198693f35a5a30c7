package model

import "time"

type Role struct {
	IsCreator bool `json:"is_creator"`
}

// Identity is a verified subscriber as known by the backend.
type Identity struct {
	ID      string `json:"id"`
	Phone   string `json:"telefono"`
	Name    string `json:"nombre"`
	Company string `json:"empresa"`
	Site    string `json:"sede"`
	Role    Role   `json:"rol"`
}

type InfoAlert struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	AlertID     string    `json:"alert_id,omitempty"`
}

// Session is the cached per-identity conversation state. Verified is false
// for sessions that only exist because an alert fan-out wrote to them.
type Session struct {
	Phone       string     `json:"phone"`
	Name        string     `json:"name,omitempty"`
	CompanyID   string     `json:"empresa_id,omitempty"`
	Site        string     `json:"sede,omitempty"`
	Role        Role       `json:"role"`
	AlertActive bool       `json:"alert_active,omitempty"`
	InfoAlert   *InfoAlert `json:"info_alert,omitempty"`
	Disponible  bool       `json:"disponible,omitempty"`
	Embarcado   bool       `json:"embarcado,omitempty"`
	Verified    bool       `json:"verified,omitempty"`
	Version     int64      `json:"version"`
}

func NewSession(id Identity, phone string) *Session {
	return &Session{
		Phone:     phone,
		Name:      id.Name,
		CompanyID: id.Company,
		Site:      id.Site,
		Role:      id.Role,
		Verified:  true,
	}
}
