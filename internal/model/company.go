package model

const CompanyDeactivationType = "alert_deactivated_by_empresa"

// CompanyDeactivation is pushed by the backend when a company operator turns
// an alert off from the dashboard.
type CompanyDeactivation struct {
	Type      string       `json:"type" validate:"required,eq=alert_deactivated_by_empresa"`
	Alert     CompanyAlert `json:"alert" validate:"required"`
	Timestamp string       `json:"timestamp"`
}

type CompanyAlert struct {
	ID            string           `json:"id" validate:"required"`
	Name          string           `json:"nombre"`
	Company       string           `json:"empresa"`
	Site          string           `json:"sede"`
	Priority      string           `json:"prioridad"`
	Users         []CompanyUser    `json:"usuarios" validate:"required,dive"`
	Hardware      []LinkedHardware `json:"hardware_vinculado" validate:"required,dive"`
	DeactivatedBy struct {
		Name string `json:"nombre"`
	} `json:"desactivado_por"`
}

type CompanyUser struct {
	Phone string `json:"telefono"`
	Name  string `json:"nombre"`
}

type LinkedHardware struct {
	Topic    string `json:"topic"`
	Name     string `json:"nombre"`
	OriginID string `json:"id_origen"`
}
