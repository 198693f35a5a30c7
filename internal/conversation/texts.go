package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/LeventeLantos/rescue-dispatch/internal/fanout"
	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

const (
	textNotRegistered   = "Lo siento 😞, Pero actualmente no te encuentras registrado en el sistema RESCUE."
	textDenied          = "No tienes permisos para realizar esta acción en el sistema RESCUE."
	textTimeout         = "El tiempo para compartir tu ubicación expiró. Vuelve a seleccionar la alerta para iniciar de nuevo."
	textRetryLater      = "No fue posible completar la acción en este momento. Intenta de nuevo en unos minutos."
	textNowAvailable    = "Quedaste disponible. Tu equipo sabrá que puedes atender la emergencia."
	textDeactivated     = "La alarma fue apagada. Gracias por usar el sistema RESCUE."
	textConcluded       = "La alerta finalizó y la conversación ha concluido. SISTEMA RESCUE"
	textBoardedAck      = "Registramos que vas en camino."
	textPowerOffPrompt  = "¿Confirmas que deseas apagar la alarma en curso?"
	textAvailableFooter = "Sistema RESCUE"
)

func locationPrompt(kind AlertKind) string {
	return fmt.Sprintf("Seleccionaste %s.\nComparte tu ubicación para activar la alerta.", kind.Title)
}

func alertCreatedText(a *model.Alert) string {
	return fmt.Sprintf("Alerta de %s activada. Notificamos a %d personas.", alertName(a), len(a.Recipients))
}

func availablePrompt(name string, a *model.Alert) model.ButtonMessage {
	return model.ButtonMessage{
		HeaderType:    model.HeaderText,
		HeaderContent: "¡RESCUE SYSTEM!",
		Body:          fmt.Sprintf("¡Hola %s!\nHay una alerta de %s activa. ¿Puedes atenderla?", fanout.FirstName(name), alertName(a)),
		Footer:        textAvailableFooter,
		Buttons:       []model.Button{{ID: ButtonAvailable, Title: "Estoy disponible"}},
	}
}

func powerOffPrompt(phone, alertID string) model.ButtonMessage {
	id := ButtonPowerOff
	if alertID != "" {
		id = alertID
	}
	return model.ButtonMessage{
		Phone:   phone,
		Body:    textPowerOffPrompt,
		Footer:  textAvailableFooter,
		Buttons: []model.Button{{ID: id, Title: fanout.PowerOffTitle}},
	}
}

func boardedText(name string) string {
	return fmt.Sprintf("%s va en camino a la emergencia.", displayName(name))
}

func relayText(name, text string) string {
	return fmt.Sprintf("%s: %s", displayName(name), text)
}

func companyDeactivationText(user model.CompanyUser, a model.CompanyAlert, moment string) string {
	company := a.Company
	if company == "" {
		company = "La Empresa"
	}
	name := user.Name
	if name == "" {
		name = "Usuario"
	}
	alertTitle := a.Name
	if alertTitle == "" {
		alertTitle = "Alerta"
	}
	by := a.DeactivatedBy.Name
	if by == "" {
		by = company
	}

	var b strings.Builder
	fmt.Fprintf(&b, "¡Hola %s!\n\n", strings.ToUpper(fanout.FirstName(name)))
	fmt.Fprintf(&b, "ALERTA DESACTIVADA POR %s\n\n", strings.ToUpper(company))
	b.WriteString("Detalles:\n")
	fmt.Fprintf(&b, "Alerta: %s\n", alertTitle)
	if a.Site != "" {
		fmt.Fprintf(&b, "Sede: %s\n", a.Site)
	}
	fmt.Fprintf(&b, "Momento: %s\n", moment)
	fmt.Fprintf(&b, "Desactivada por: %s\n\n", by)
	b.WriteString("El sistema ha vuelto a estado normal\n")
	b.WriteString("SISTEMA RESCUE")
	return b.String()
}

// formatMoment renders an ISO timestamp as dd/mm/YYYY HH:MM, keeping
// unparseable input as is.
func formatMoment(ts string) string {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "Ahora"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("02/01/2006 15:04")
		}
	}
	return ts
}

func alertName(a *model.Alert) string {
	if a == nil || a.Type.Name == "" {
		return "emergencia"
	}
	return a.Type.Name
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Un compañero"
	}
	return name
}
