package claims

import (
	"fmt"
	"regexp"
	"time"
)

// Severity categorizes a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding codes.
const (
	CodeMissingRequiredField     = "MISSING_REQUIRED_FIELD"
	CodeInvalidDateRange         = "INVALID_DATE_RANGE"
	CodeFutureDate               = "FUTURE_DATE"
	CodeTimelyFilingRisk         = "TIMELY_FILING_RISK"
	CodeInvalidClaimType         = "INVALID_CLAIM_TYPE"
	CodeNoServiceLines           = "NO_SERVICE_LINES"
	CodeMissingServiceDate       = "MISSING_SERVICE_DATE"
	CodeDateOutOfRange           = "DATE_OUT_OF_RANGE"
	CodeInvalidFormat            = "INVALID_FORMAT"
	CodeInvalidUnits             = "INVALID_UNITS"
	CodeHighUnits                = "HIGH_UNITS"
	CodeInvalidCharge            = "INVALID_CHARGE"
	CodeHighCharge               = "HIGH_CHARGE"
	CodeMissingDiagnosisPointers = "MISSING_DIAGNOSIS_POINTERS"
	CodeTooManyModifiers         = "TOO_MANY_MODIFIERS"
	CodeTimeBasedCPT             = "TIME_BASED_CPT"
	CodeAddOnCPT                 = "ADD_ON_CPT"
	CodePriorAuthRequired        = "PRIOR_AUTH_REQUIRED"
	CodeDuplicateLine            = "DUPLICATE_LINE"
	CodeNoDiagnoses              = "NO_DIAGNOSES"
	CodeMissingPrimaryDiagnosis  = "MISSING_PRIMARY_DIAGNOSIS"
	CodeInvalidDiagnosisCode     = "INVALID_DIAGNOSIS_CODE"
	CodeMissingPointer           = "MISSING_POINTER"
	CodeDuplicateDiagnosis       = "DUPLICATE_DIAGNOSIS"
	CodeTooManyDiagnoses         = "TOO_MANY_DIAGNOSES"
	CodeInvalidDiagnosisPointer  = "INVALID_DIAGNOSIS_POINTER"
	CodeZeroCharge               = "ZERO_CHARGE"
	CodeHighTotalCharge          = "HIGH_TOTAL_CHARGE"
	CodePayerRulesCheck          = "PAYER_RULES_CHECK"
)

// Finding is one validation result entry.
type Finding struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
}

// Result categorizes scrubber findings. Valid is true iff no error-severity
// findings exist; warnings and info never block submission on their own.
type Result struct {
	Valid    bool      `json:"isValid"`
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
	Info     []Finding `json:"info"`
}

func (r *Result) add(f Finding) {
	switch f.Severity {
	case SeverityError:
		r.Errors = append(r.Errors, f)
	case SeverityWarning:
		r.Warnings = append(r.Warnings, f)
	default:
		r.Info = append(r.Info, f)
	}
}

var (
	cptCodePattern   = regexp.MustCompile(`^\d{5}$`)
	posCodePattern   = regexp.MustCompile(`^\d{2}$`)
	icd10CodePattern = regexp.MustCompile(`^[A-Za-z]\d{2}[A-Za-z0-9.]*$`)
)

// CPT code sets that drive informational and warning flags.
var (
	timeBasedCPTCodes = map[string]bool{
		"90832": true, "90834": true, "90837": true,
		"90846": true, "90847": true,
	}
	addOnCPTCodes = map[string]bool{
		"90833": true, "90836": true, "90838": true,
		"99354": true, "99355": true,
	}
	priorAuthCPTCodes = map[string]bool{
		"90867": true, "90868": true, "90869": true, "90870": true,
	}
)

const (
	maxModifiersPerLine = 4
	maxUnitsSoftLimit   = 999
	unitChargeSoftLimit = 10000
	totalChargeSoftLimit = 100000
	maxDiagnosesSoftLimit = 12
)

// timeNow is a variable to allow pinning the clock in tests
var timeNow = time.Now

// ValidateClaim scrubs a claim and returns categorized findings. It is a
// pure function with no side effects; the caller decides whether an invalid
// claim blocks submission.
func ValidateClaim(claim *Claim) Result {
	var result Result

	validateHeader(claim, &result)
	validateServiceLines(claim, &result)
	validateDiagnoses(claim, &result)
	validateCrossField(claim, &result)
	validatePayerRules(claim, &result)

	result.Valid = len(result.Errors) == 0
	return result
}

func validateHeader(claim *Claim, result *Result) {
	required := []struct {
		field string
		value string
	}{
		{"patientId", claim.PatientID},
		{"insuranceId", claim.InsuranceID},
		{"billingProviderId", claim.BillingProviderID},
		{"renderingProviderId", claim.RenderingProviderID},
	}
	for _, f := range required {
		if f.value == "" {
			result.add(Finding{
				Field:    f.field,
				Message:  f.field + " is required",
				Severity: SeverityError,
				Code:     CodeMissingRequiredField,
			})
		}
	}

	if !claim.StatementFromDate.IsZero() && !claim.StatementToDate.IsZero() &&
		claim.StatementToDate.Before(claim.StatementFromDate) {
		result.add(Finding{
			Field:    "statementToDate",
			Message:  "statement end date precedes start date",
			Severity: SeverityError,
			Code:     CodeInvalidDateRange,
		})
	}

	now := timeNow()
	if claim.StatementFromDate.After(now) {
		result.add(Finding{
			Field:    "statementFromDate",
			Message:  "statement start date is in the future",
			Severity: SeverityWarning,
			Code:     CodeFutureDate,
		})
	}
	if !claim.StatementFromDate.IsZero() && claim.StatementFromDate.Before(now.AddDate(-1, 0, 0)) {
		result.add(Finding{
			Field:    "statementFromDate",
			Message:  "statement start date is older than one year; timely filing may be denied",
			Severity: SeverityWarning,
			Code:     CodeTimelyFilingRisk,
		})
	}

	switch claim.ClaimType {
	case Original, Replacement, Void:
	default:
		result.add(Finding{
			Field:    "claimType",
			Message:  fmt.Sprintf("claim type %q is not one of Original, Replacement, Void", claim.ClaimType),
			Severity: SeverityError,
			Code:     CodeInvalidClaimType,
		})
	}
}

func validateServiceLines(claim *Claim, result *Result) {
	if len(claim.ServiceLines) == 0 {
		result.add(Finding{
			Field:    "serviceLines",
			Message:  "claim has no service lines",
			Severity: SeverityError,
			Code:     CodeNoServiceLines,
		})
		return
	}

	seen := make(map[string]bool)
	for _, line := range claim.ServiceLines {
		field := fmt.Sprintf("serviceLines[%d]", line.LineNumber)

		if line.ServiceDate.IsZero() {
			result.add(Finding{
				Field:    field + ".serviceDate",
				Message:  "service date is required",
				Severity: SeverityError,
				Code:     CodeMissingServiceDate,
			})
		} else if line.ServiceDate.Before(claim.StatementFromDate) || line.ServiceDate.After(claim.StatementToDate) {
			result.add(Finding{
				Field:    field + ".serviceDate",
				Message:  "service date falls outside the statement period",
				Severity: SeverityError,
				Code:     CodeDateOutOfRange,
			})
		}

		switch {
		case line.CPTCode == "":
			result.add(Finding{
				Field:    field + ".cptCode",
				Message:  "CPT code is required",
				Severity: SeverityError,
				Code:     CodeMissingRequiredField,
			})
		case !cptCodePattern.MatchString(line.CPTCode):
			result.add(Finding{
				Field:    field + ".cptCode",
				Message:  fmt.Sprintf("CPT code %q must be exactly 5 digits", line.CPTCode),
				Severity: SeverityError,
				Code:     CodeInvalidFormat,
			})
		}

		switch {
		case line.PlaceOfService == "":
			result.add(Finding{
				Field:    field + ".placeOfService",
				Message:  "place of service is required",
				Severity: SeverityError,
				Code:     CodeMissingRequiredField,
			})
		case !posCodePattern.MatchString(line.PlaceOfService):
			result.add(Finding{
				Field:    field + ".placeOfService",
				Message:  fmt.Sprintf("place of service %q must be exactly 2 digits", line.PlaceOfService),
				Severity: SeverityError,
				Code:     CodeInvalidFormat,
			})
		}

		if line.Units < 1 {
			result.add(Finding{
				Field:    field + ".units",
				Message:  "units must be at least 1",
				Severity: SeverityError,
				Code:     CodeInvalidUnits,
			})
		} else if line.Units > maxUnitsSoftLimit {
			result.add(Finding{
				Field:    field + ".units",
				Message:  fmt.Sprintf("units %d is unusually high", line.Units),
				Severity: SeverityWarning,
				Code:     CodeHighUnits,
			})
		}

		if line.UnitCharge <= 0 {
			result.add(Finding{
				Field:    field + ".unitCharge",
				Message:  "unit charge must be greater than zero",
				Severity: SeverityError,
				Code:     CodeInvalidCharge,
			})
		} else if line.UnitCharge > unitChargeSoftLimit {
			result.add(Finding{
				Field:    field + ".unitCharge",
				Message:  fmt.Sprintf("unit charge %.2f is unusually high", line.UnitCharge),
				Severity: SeverityWarning,
				Code:     CodeHighCharge,
			})
		}

		if len(line.DiagnosisPointers) == 0 {
			result.add(Finding{
				Field:    field + ".diagnosisPointers",
				Message:  "at least one diagnosis pointer is required",
				Severity: SeverityError,
				Code:     CodeMissingDiagnosisPointers,
			})
		}

		if len(line.Modifiers) > maxModifiersPerLine {
			result.add(Finding{
				Field:    field + ".modifiers",
				Message:  fmt.Sprintf("at most %d modifiers are allowed", maxModifiersPerLine),
				Severity: SeverityError,
				Code:     CodeTooManyModifiers,
			})
		}

		if timeBasedCPTCodes[line.CPTCode] {
			result.add(Finding{
				Field:    field + ".cptCode",
				Message:  fmt.Sprintf("CPT %s is time-based; ensure session time is documented", line.CPTCode),
				Severity: SeverityInfo,
				Code:     CodeTimeBasedCPT,
			})
		}
		if addOnCPTCodes[line.CPTCode] {
			result.add(Finding{
				Field:    field + ".cptCode",
				Message:  fmt.Sprintf("CPT %s is an add-on code and must accompany a primary service", line.CPTCode),
				Severity: SeverityInfo,
				Code:     CodeAddOnCPT,
			})
		}
		if priorAuthCPTCodes[line.CPTCode] {
			result.add(Finding{
				Field:    field + ".cptCode",
				Message:  fmt.Sprintf("CPT %s typically requires prior authorization", line.CPTCode),
				Severity: SeverityWarning,
				Code:     CodePriorAuthRequired,
			})
		}

		key := line.ServiceDate.Format("20060102") + "|" + line.CPTCode + "|" + line.PlaceOfService
		if seen[key] {
			result.add(Finding{
				Field:    field,
				Message:  "duplicate service line (same date, CPT, and place of service)",
				Severity: SeverityWarning,
				Code:     CodeDuplicateLine,
			})
		}
		seen[key] = true
	}
}

func validateDiagnoses(claim *Claim, result *Result) {
	if len(claim.Diagnoses) == 0 {
		result.add(Finding{
			Field:    "diagnoses",
			Message:  "claim has no diagnoses",
			Severity: SeverityError,
			Code:     CodeNoDiagnoses,
		})
		return
	}

	hasPrimary := false
	seen := make(map[string]bool)
	for i, dx := range claim.Diagnoses {
		field := fmt.Sprintf("diagnoses[%d]", i)

		if dx.DiagnosisType == DiagnosisPrimary {
			hasPrimary = true
		}

		if dx.DiagnosisCode == "" || !icd10CodePattern.MatchString(dx.DiagnosisCode) {
			result.add(Finding{
				Field:    field + ".diagnosisCode",
				Message:  fmt.Sprintf("diagnosis code %q is not a valid ICD-10 code", dx.DiagnosisCode),
				Severity: SeverityError,
				Code:     CodeInvalidDiagnosisCode,
			})
		}

		if dx.DiagnosisPointer < 1 {
			result.add(Finding{
				Field:    field + ".diagnosisPointer",
				Message:  "diagnosis pointer is required",
				Severity: SeverityError,
				Code:     CodeMissingPointer,
			})
		}

		if seen[dx.DiagnosisCode] {
			result.add(Finding{
				Field:    field + ".diagnosisCode",
				Message:  fmt.Sprintf("diagnosis code %s appears more than once", dx.DiagnosisCode),
				Severity: SeverityWarning,
				Code:     CodeDuplicateDiagnosis,
			})
		}
		seen[dx.DiagnosisCode] = true
	}

	if !hasPrimary {
		result.add(Finding{
			Field:    "diagnoses",
			Message:  "claim has no primary diagnosis",
			Severity: SeverityError,
			Code:     CodeMissingPrimaryDiagnosis,
		})
	}

	if len(claim.Diagnoses) > maxDiagnosesSoftLimit {
		result.add(Finding{
			Field:    "diagnoses",
			Message:  fmt.Sprintf("claim carries %d diagnoses; payers accept at most %d", len(claim.Diagnoses), maxDiagnosesSoftLimit),
			Severity: SeverityWarning,
			Code:     CodeTooManyDiagnoses,
		})
	}
}

func validateCrossField(claim *Claim, result *Result) {
	for _, line := range claim.ServiceLines {
		for _, ptr := range line.DiagnosisPointers {
			if ptr < 1 || ptr > len(claim.Diagnoses) {
				result.add(Finding{
					Field:    fmt.Sprintf("serviceLines[%d].diagnosisPointers", line.LineNumber),
					Message:  fmt.Sprintf("diagnosis pointer %d does not reference a diagnosis on the claim", ptr),
					Severity: SeverityError,
					Code:     CodeInvalidDiagnosisPointer,
				})
			}
		}
	}

	total := claim.TotalCharge()
	if total == 0 {
		result.add(Finding{
			Field:    "serviceLines",
			Message:  "total claim charge is zero",
			Severity: SeverityError,
			Code:     CodeZeroCharge,
		})
	} else if total > totalChargeSoftLimit {
		result.add(Finding{
			Field:    "serviceLines",
			Message:  fmt.Sprintf("total claim charge %.2f is unusually high", total),
			Severity: SeverityWarning,
			Code:     CodeHighTotalCharge,
		})
	}
}

// validatePayerRules is the hook for payer-specific edits. Currently emits a
// single informational reminder.
func validatePayerRules(claim *Claim, result *Result) {
	result.add(Finding{
		Field:    "claim",
		Message:  "verify payer-specific billing rules before submission",
		Severity: SeverityInfo,
		Code:     CodePayerRulesCheck,
	})
}
