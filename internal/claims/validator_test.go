package claims

import (
	"testing"
	"time"
)

func validClaim() *Claim {
	return &Claim{
		ClaimID:             "CLM-2001",
		PatientID:           "PAT-1",
		InsuranceID:         "INS-1",
		BillingProviderID:   "PRV-B",
		RenderingProviderID: "PRV-R",
		ClaimType:           Original,
		StatementFromDate:   time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
		StatementToDate:     time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
		ServiceLines: []ServiceLine{
			{
				LineNumber:        1,
				ServiceDate:       time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC),
				PlaceOfService:    "11",
				CPTCode:           "99213",
				Units:             1,
				UnitCharge:        125,
				DiagnosisPointers: []int{1},
			},
		},
		Diagnoses: []Diagnosis{
			{DiagnosisCode: "F32.9", DiagnosisPointer: 1, DiagnosisType: DiagnosisPrimary},
		},
	}
}

func hasFinding(findings []Finding, code string) bool {
	for _, f := range findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

func countFinding(findings []Finding, code string) int {
	n := 0
	for _, f := range findings {
		if f.Code == code {
			n++
		}
	}
	return n
}

func TestValidateClaimCleanClaim(t *testing.T) {
	timeNow = func() time.Time {
		return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	}
	defer func() { timeNow = time.Now }()

	result := ValidateClaim(validClaim())
	if !result.Valid {
		t.Fatalf("clean claim flagged invalid: %+v", result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %+v", result.Errors)
	}
}

func TestValidateClaimMissingHeaderFields(t *testing.T) {
	c := validClaim()
	c.PatientID = ""
	c.InsuranceID = ""

	result := ValidateClaim(c)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if got := countFinding(result.Errors, CodeMissingRequiredField); got != 2 {
		t.Errorf("MISSING_REQUIRED_FIELD count = %d, want 2", got)
	}
}

func TestValidateClaimMissingPrimaryDiagnosis(t *testing.T) {
	c := validClaim()
	c.Diagnoses[0].DiagnosisType = DiagnosisSecondary

	result := ValidateClaim(c)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasFinding(result.Errors, CodeMissingPrimaryDiagnosis) {
		t.Errorf("expected MISSING_PRIMARY_DIAGNOSIS, got %+v", result.Errors)
	}
}

func TestValidateClaimInvalidCPTFormat(t *testing.T) {
	c := validClaim()
	c.ServiceLines[0].CPTCode = "99A13"

	result := ValidateClaim(c)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasFinding(result.Errors, CodeInvalidFormat) {
		t.Errorf("expected INVALID_FORMAT, got %+v", result.Errors)
	}
}

func TestValidateClaimZeroCharge(t *testing.T) {
	c := validClaim()
	c.ServiceLines[0].UnitCharge = 0

	result := ValidateClaim(c)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasFinding(result.Errors, CodeInvalidCharge) {
		t.Errorf("expected INVALID_CHARGE, got %+v", result.Errors)
	}
	if !hasFinding(result.Errors, CodeZeroCharge) {
		t.Errorf("expected ZERO_CHARGE, got %+v", result.Errors)
	}
}

func TestValidateClaimServiceDateOutsideStatementPeriod(t *testing.T) {
	c := validClaim()
	c.ServiceLines = append(c.ServiceLines, ServiceLine{
		LineNumber:        2,
		ServiceDate:       time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		PlaceOfService:    "11",
		CPTCode:           "99214",
		Units:             1,
		UnitCharge:        175,
		DiagnosisPointers: []int{1},
	}, ServiceLine{
		LineNumber:        3,
		ServiceDate:       time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		PlaceOfService:    "11",
		CPTCode:           "99215",
		Units:             1,
		UnitCharge:        200,
		DiagnosisPointers: []int{1},
	})

	result := ValidateClaim(c)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if got := countFinding(result.Errors, CodeDateOutOfRange); got != 2 {
		t.Errorf("DATE_OUT_OF_RANGE count = %d, want 2", got)
	}
}

func TestValidateClaimTimeBasedCPTIsInfoOnly(t *testing.T) {
	timeNow = func() time.Time {
		return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	}
	defer func() { timeNow = time.Now }()

	c := validClaim()
	c.ServiceLines[0].CPTCode = "90834"

	result := ValidateClaim(c)
	if !result.Valid {
		t.Fatalf("time-based CPT should not block submission: %+v", result.Errors)
	}
	if !hasFinding(result.Info, CodeTimeBasedCPT) {
		t.Errorf("expected TIME_BASED_CPT info, got %+v", result.Info)
	}
}

func TestValidateClaimPriorAuthWarning(t *testing.T) {
	c := validClaim()
	c.ServiceLines[0].CPTCode = "90867"

	result := ValidateClaim(c)
	if !hasFinding(result.Warnings, CodePriorAuthRequired) {
		t.Errorf("expected PRIOR_AUTH_REQUIRED warning, got %+v", result.Warnings)
	}
}

func TestValidateClaimDuplicateServiceLines(t *testing.T) {
	c := validClaim()
	c.ServiceLines = append(c.ServiceLines, c.ServiceLines[0])
	c.ServiceLines[1].LineNumber = 2

	result := ValidateClaim(c)
	if !hasFinding(result.Warnings, CodeDuplicateLine) {
		t.Errorf("expected DUPLICATE_LINE warning, got %+v", result.Warnings)
	}
}

func TestValidateClaimDuplicateDiagnoses(t *testing.T) {
	c := validClaim()
	c.Diagnoses = append(c.Diagnoses, Diagnosis{
		DiagnosisCode: "F32.9", DiagnosisPointer: 2, DiagnosisType: DiagnosisSecondary,
	})

	result := ValidateClaim(c)
	if !hasFinding(result.Warnings, CodeDuplicateDiagnosis) {
		t.Errorf("expected DUPLICATE_DIAGNOSIS warning, got %+v", result.Warnings)
	}
}

func TestValidateClaimDiagnosisPointerBounds(t *testing.T) {
	c := validClaim()
	c.ServiceLines[0].DiagnosisPointers = []int{0, 5}

	result := ValidateClaim(c)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if got := countFinding(result.Errors, CodeInvalidDiagnosisPointer); got != 2 {
		t.Errorf("INVALID_DIAGNOSIS_POINTER count = %d, want 2", got)
	}
}

func TestValidateClaimDateRangeAndType(t *testing.T) {
	c := validClaim()
	c.StatementFromDate, c.StatementToDate = c.StatementToDate, c.StatementFromDate
	c.ClaimType = "Adjustment"

	result := ValidateClaim(c)
	if !hasFinding(result.Errors, CodeInvalidDateRange) {
		t.Errorf("expected INVALID_DATE_RANGE, got %+v", result.Errors)
	}
	if !hasFinding(result.Errors, CodeInvalidClaimType) {
		t.Errorf("expected INVALID_CLAIM_TYPE, got %+v", result.Errors)
	}
}

func TestValidateClaimTimelyFilingWarning(t *testing.T) {
	timeNow = func() time.Time {
		return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	}
	defer func() { timeNow = time.Now }()

	c := validClaim()
	c.StatementFromDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c.StatementToDate = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	for i := range c.ServiceLines {
		c.ServiceLines[i].ServiceDate = c.StatementFromDate
	}

	result := ValidateClaim(c)
	if !hasFinding(result.Warnings, CodeTimelyFilingRisk) {
		t.Errorf("expected TIMELY_FILING_RISK warning, got %+v", result.Warnings)
	}
}

func TestValidateClaimEmptyCollections(t *testing.T) {
	c := validClaim()
	c.ServiceLines = nil
	c.Diagnoses = nil

	result := ValidateClaim(c)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasFinding(result.Errors, CodeNoServiceLines) {
		t.Errorf("expected NO_SERVICE_LINES, got %+v", result.Errors)
	}
	if !hasFinding(result.Errors, CodeNoDiagnoses) {
		t.Errorf("expected NO_DIAGNOSES, got %+v", result.Errors)
	}
}
