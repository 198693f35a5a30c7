package model

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListMenu struct {
	Phone    string        `json:"phone"`
	Header   string        `json:"header_text"`
	Body     string        `json:"body_text"`
	Footer   string        `json:"footer_text"`
	Button   string        `json:"button_text"`
	Sections []ListSection `json:"sections"`
}

type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

const (
	HeaderText  = "text"
	HeaderImage = "image"
)

type ButtonMessage struct {
	Phone         string   `json:"phone"`
	HeaderType    string   `json:"header_type,omitempty"`
	HeaderContent string   `json:"header_content,omitempty"`
	Body          string   `json:"body_text"`
	Footer        string   `json:"footer_text,omitempty"`
	Buttons       []Button `json:"buttons"`
}

// Template is a pre-approved chat template; it is the only message kind the
// platform delivers outside an open conversation window.
type Template struct {
	Phone    string   `json:"phone"`
	Name     string   `json:"template_name"`
	Language string   `json:"language"`
	Params   []string `json:"parameters,omitempty"`
}

// URLCard is a text card with one call-to-action link button.
type URLCard struct {
	Phone      string `json:"phone"`
	Header     string `json:"header_content"`
	Body       string `json:"body_text"`
	Footer     string `json:"footer_text,omitempty"`
	ButtonText string `json:"button_text"`
	ButtonURL  string `json:"button_url"`
}
