package model

// AlertType describes the kind of emergency as returned by the backend.
type AlertType struct {
	Name            string   `json:"nombre"`
	Color           string   `json:"tipo_alerta"`
	ImageBase64     string   `json:"imagen_base64,omitempty"`
	RequiredItems   []string `json:"implementos_necesarios,omitempty"`
	Recommendations []string `json:"recomendaciones,omitempty"`
}

type Recipient struct {
	Phone      string `json:"numero"`
	Name       string `json:"nombre"`
	Role       string `json:"rol,omitempty"`
	Disponible bool   `json:"disponible,omitempty"`
	Embarcado  bool   `json:"embarcado,omitempty"`
}

type Location struct {
	Address     string `json:"direccion"`
	MapsURL     string `json:"direccion_url"`
	OpenMapsURL string `json:"direccion_open_maps"`
}

// Alert is the backend-owned alert record. It is passed through to the
// fan-out and never persisted locally.
type Alert struct {
	ID           string      `json:"alert_id"`
	Type         AlertType   `json:"tipo_alarma_info"`
	Recipients   []Recipient `json:"numeros_telefonicos"`
	Location     Location    `json:"hardware_ubicacion"`
	Priority     string      `json:"prioridad"`
	Topics       []string    `json:"topics_otros_hardware"`
	CreatorPhone string      `json:"creador_telefono,omitempty"`
	Company      string      `json:"empresa,omitempty"`
}

// Deactivation is the backend answer to a deactivate call.
type Deactivation struct {
	AlertID    string      `json:"alert_id"`
	Recipients []Recipient `json:"numeros_telefonicos"`
	Topics     []string    `json:"topics_otros_hardware"`
	Priority   string      `json:"prioridad"`
}

type RecipientStatus struct {
	Disponible *bool `json:"disponible,omitempty"`
	Embarcado  *bool `json:"embarcado,omitempty"`
}

type CreateAlertRequest struct {
	Type         string  `json:"tipo_alerta"`
	Description  string  `json:"descripcion"`
	CreatorPhone string  `json:"telefono"`
	CompanyID    string  `json:"empresa_id,omitempty"`
	Site         string  `json:"sede,omitempty"`
	Latitude     float64 `json:"latitud"`
	Longitude    float64 `json:"longitud"`
}

func Bool(v bool) *bool { return &v }
