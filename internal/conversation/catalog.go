package conversation

import (
	"strings"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

// Interactive ids the engine sends out and expects back.
const (
	ButtonAvailable = "activar_disponibilidad"
	ButtonPowerOff  = "apagar_alarma"

	ListPowerOff = "opcion_apagar"
	ListLocation = "opcion_ubicacion"
	ListBoarded  = "opcion_embarcado"
)

type AlertKind struct {
	ID          string
	Title       string
	Description string
}

var catalog = []AlertKind{
	{ID: "ROJO", Title: "Incendio", Description: "Alerta por incendio"},
	{ID: "AZUL", Title: "Inundación", Description: "Alerta por inundación"},
	{ID: "AMARILLO", Title: "Peligro químico", Description: "Exposición a sustancias químicas nocivas"},
	{ID: "VERDE", Title: "Robo", Description: "Riesgo de robo o hurto"},
	{ID: "NARANJA", Title: "Terremoto", Description: "Alerta por de sismo o terremoto"},
}

func LookupAlertKind(id string) (AlertKind, bool) {
	for _, k := range catalog {
		if strings.EqualFold(k.ID, id) {
			return k, true
		}
	}
	return AlertKind{}, false
}

var helpWords = map[string]struct{}{
	"ayuda":    {},
	"help":     {},
	"menu":     {},
	"menú":     {},
	"opciones": {},
	"hola":     {},
}

func isHelp(text string) bool {
	_, ok := helpWords[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

func alertMenu(phone, name string, returning bool) model.ListMenu {
	rows := make([]model.ListRow, 0, len(catalog))
	for _, k := range catalog {
		rows = append(rows, model.ListRow{ID: k.ID, Title: k.Title, Description: k.Description})
	}
	header := "Hola " + name + ".\nBienvenido al Sistema de Alertas RESCUE"
	if returning {
		header = "Hola de nuevo " + name + ".\nUn gusto tenerte de vuelta"
	}
	return model.ListMenu{
		Phone:    phone,
		Header:   header,
		Body:     "Selecciona la alerta que deseas activar",
		Footer:   "RESCUE SYSTEM",
		Button:   "Ver alertas",
		Sections: []model.ListSection{{Title: "Servicios técnicos", Rows: rows}},
	}
}

func optionsMenu(phone string, creator bool) model.ListMenu {
	rows := []model.ListRow{
		{ID: ListLocation, Title: "Ubicación", Description: "Ver cómo llegar a la emergencia"},
		{ID: ListBoarded, Title: "En camino", Description: "Avisar que vas en camino"},
	}
	if creator {
		rows = append([]model.ListRow{{ID: ListPowerOff, Title: "Apagar alarma", Description: "Desactivar la alerta en curso"}}, rows...)
	}
	return model.ListMenu{
		Phone:    phone,
		Header:   "Alerta en curso",
		Body:     "Elige una opción o escribe un mensaje para tu equipo",
		Footer:   "RESCUE SYSTEM",
		Button:   "Ver opciones",
		Sections: []model.ListSection{{Title: "Opciones", Rows: rows}},
	}
}
