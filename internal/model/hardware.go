package model

import "encoding/json"

// Device is the identity extracted from an accepted telemetry topic.
type Device struct {
	Root    string
	Company string
	Site    string
	Type    string
	ID      string
	Topic   string
}

// HardwareAlarm is forwarded to the backend for an accepted button press.
type HardwareAlarm struct {
	Company      string          `json:"empresa"`
	Site         string          `json:"sede"`
	HardwareType string          `json:"tipo_hardware"`
	HardwareName string          `json:"nombre_hardware"`
	Data         json.RawMessage `json:"data"`
}

type HardwareAuth struct {
	Company      string `json:"empresa"`
	Site         string `json:"sede"`
	Hardware     string `json:"hardware"`
	HardwareType string `json:"tipo_hardware"`
}

func (d Device) Alarm(data json.RawMessage) HardwareAlarm {
	return HardwareAlarm{
		Company:      d.Company,
		Site:         d.Site,
		HardwareType: d.Type,
		HardwareName: d.ID,
		Data:         data,
	}
}

func (d Device) Auth() HardwareAuth {
	return HardwareAuth{
		Company:      d.Company,
		Site:         d.Site,
		Hardware:     d.ID,
		HardwareType: d.Type,
	}
}
