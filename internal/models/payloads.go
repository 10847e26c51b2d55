package models

import "time"

// Typed payloads for each collection. These mirror what the remote
// health-record service accepts; the store itself treats payloads as opaque.

// VitalType enumerates the supported health metrics.
type VitalType string

const (
	VitalBloodPressure VitalType = "blood_pressure"
	VitalGlucose       VitalType = "glucose"
	VitalWeight        VitalType = "weight"
	VitalHeartRate     VitalType = "heart_rate"
	VitalTemperature   VitalType = "temperature"
)

// VitalPayload is a single vital reading. Value is a string to accommodate
// compound formats such as "120/80".
type VitalPayload struct {
	VitalType  VitalType `json:"vital_type"`
	Value      string    `json:"value"`
	Unit       string    `json:"unit"`
	Notes      string    `json:"notes,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Medication is a single medication line on a prescription.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// PrescriptionPayload is a scanned prescription record.
type PrescriptionPayload struct {
	DoctorName       string       `json:"doctor_name"`
	ClinicName       string       `json:"clinic_name,omitempty"`
	PrescriptionDate string       `json:"prescription_date"`
	Medications      []Medication `json:"medications,omitempty"`
}

// ReportType enumerates the generated report kinds.
type ReportType string

const (
	ReportVitals        ReportType = "vitals"
	ReportPrescriptions ReportType = "prescriptions"
	ReportComprehensive ReportType = "comprehensive"
)

// ReportPayload describes a generated health report.
type ReportPayload struct {
	Title      string     `json:"title"`
	ReportType ReportType `json:"report_type"`
	DateFrom   string     `json:"date_from"`
	DateTo     string     `json:"date_to"`
}

// ContactPayload is an emergency contact entry.
type ContactPayload struct {
	Name         string `json:"name"`
	PhoneNumber  string `json:"phone_number"`
	Relationship string `json:"relationship"`
	IsPrimary    bool   `json:"is_primary"`
}

// AlertPayload is an emergency SOS alert.
type AlertPayload struct {
	LocationLat float64 `json:"location_lat,omitempty"`
	LocationLng float64 `json:"location_lng,omitempty"`
	Message     string  `json:"message,omitempty"`
}
