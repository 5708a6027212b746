package models

type KeyPoints struct {
	Symptoms  []string `json:"symptoms"`
	Diagnosis []string `json:"diagnosis"`
	Allergies []string `json:"allergies"`
	Notes     []string `json:"notes"`
}

type Medicine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

type Prescription struct {
	Medicines    []Medicine `json:"medicines"`
	Instructions []string   `json:"instructions"`
	Date         string     `json:"date"`
	PatientName  string     `json:"patientName"`
}

type AssessmentItem struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type VisitSummary struct {
	ChiefComplaint string           `json:"chiefComplaint"`
	History        string           `json:"history"`
	Assessment     []AssessmentItem `json:"assessment"`
	Plan           []string         `json:"plan"`
}

// ConsultationResult is the analysis API's answer for one payload. It is
// treated as immutable once received.
type ConsultationResult struct {
	Transcript     string       `json:"transcript"`
	KeyPoints      KeyPoints    `json:"keyPoints"`
	Prescription   Prescription `json:"prescription"`
	Summary        VisitSummary `json:"summary"`
	ConsultationID string       `json:"consultation_id"`
}
