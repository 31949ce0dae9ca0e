// Package claims provides the claim data model and the pre-submission
// scrubber. Claims are assembled elsewhere; this package only validates and
// describes them.
package claims

import "time"

// ClaimType identifies the claim frequency.
type ClaimType string

const (
	Original    ClaimType = "Original"
	Replacement ClaimType = "Replacement"
	Void        ClaimType = "Void"
)

// FrequencyCode returns the X12 claim frequency code for the type.
func (t ClaimType) FrequencyCode() string {
	switch t {
	case Original:
		return "1"
	case Replacement:
		return "7"
	case Void:
		return "8"
	default:
		return ""
	}
}

// DiagnosisType orders diagnoses on a claim. Exactly one diagnosis must be
// primary.
type DiagnosisType string

const (
	DiagnosisPrimary   DiagnosisType = "primary"
	DiagnosisSecondary DiagnosisType = "secondary"
)

// Claim is an insurance claim submission request. Immutable input to the
// validator and the 837P encoder.
type Claim struct {
	ClaimID             string    `json:"claimId"`
	PatientID           string    `json:"patientId"`
	InsuranceID         string    `json:"insuranceId"`
	BillingProviderID   string    `json:"billingProviderId"`
	RenderingProviderID string    `json:"renderingProviderId"`
	ClaimType           ClaimType `json:"claimType"`
	StatementFromDate   time.Time `json:"statementFromDate"`
	StatementToDate     time.Time `json:"statementToDate"`

	ServiceLines []ServiceLine `json:"serviceLines"`
	Diagnoses    []Diagnosis   `json:"diagnoses"`
}

// ServiceLine is one billable service on a claim.
type ServiceLine struct {
	LineNumber     int       `json:"lineNumber"`
	ServiceDate    time.Time `json:"serviceDate"`
	PlaceOfService string    `json:"placeOfService"`
	CPTCode        string    `json:"cptCode"`
	Modifiers      []string  `json:"modifiers,omitempty"`
	Units          int       `json:"units"`
	UnitCharge     float64   `json:"unitCharge"`
	// DiagnosisPointers are 1-based indices into the claim's diagnoses
	DiagnosisPointers []int `json:"diagnosisPointers"`
}

// Charge is the line's extended charge.
func (l ServiceLine) Charge() float64 {
	return float64(l.Units) * l.UnitCharge
}

// Diagnosis is one ICD-10 code attached to the claim.
type Diagnosis struct {
	DiagnosisCode    string        `json:"diagnosisCode"`
	DiagnosisPointer int           `json:"diagnosisPointer"`
	DiagnosisType    DiagnosisType `json:"diagnosisType"`
}

// TotalCharge sums units times unit charge across all service lines.
func (c *Claim) TotalCharge() float64 {
	var total float64
	for _, line := range c.ServiceLines {
		total += line.Charge()
	}
	return total
}
