package x12837p

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medflow/go-cie/internal/claims"
)

// SubmitterInfo carries the provider and subscriber identity data rendered
// into the transaction. It is a required parameter: the encoder never
// invents identities.
type SubmitterInfo struct {
	PracticeName string
	BillingNPI   string
	TaxID        string
	TaxonomyCode string
	AddressLine  string
	City         string
	State        string
	Zip          string
	ContactName  string
	ContactPhone string

	SubscriberFirstName string
	SubscriberLastName  string
	MemberID            string
	SubscriberDOB       time.Time
	SubscriberGender    string

	PayerName string
	PayerID   string

	RenderingFirstName string
	RenderingLastName  string
	RenderingNPI       string
}

// SandboxSubmitter returns the identity set used against the sandbox
// clearinghouse. Production callers must supply their own.
func SandboxSubmitter() SubmitterInfo {
	return SubmitterInfo{
		PracticeName:        "MEDFLOW BEHAVIORAL HEALTH",
		BillingNPI:          "1234567893",
		TaxID:               "123456789",
		TaxonomyCode:        "103T00000X",
		AddressLine:         "100 MAIN ST STE 200",
		City:                "AUSTIN",
		State:               "TX",
		Zip:                 "78701",
		ContactName:         "BILLING DEPT",
		ContactPhone:        "5125550100",
		SubscriberFirstName: "JANE",
		SubscriberLastName:  "SAMPLE",
		MemberID:            "W123456789",
		SubscriberDOB:       time.Date(1985, 6, 15, 0, 0, 0, 0, time.UTC),
		SubscriberGender:    "F",
		PayerName:           "SANDBOX PAYER",
		PayerID:             "66666",
		RenderingFirstName:  "ALEX",
		RenderingLastName:   "PROVIDER",
		RenderingNPI:        "1987654321",
	}
}

// Options controls envelope-level fields.
type Options struct {
	SenderID   string
	ReceiverID string
	// Usage is "T" for test or "P" for production files
	Usage string
}

// DocumentCheck is the result of the structural smoke test.
type DocumentCheck struct {
	Valid    bool
	Problems []string
}

// timeNow is a variable to allow pinning the clock in tests
var timeNow = time.Now

// Generate837P serializes a claim into an 837P transaction. Segments are
// emitted in a fixed hierarchy (ISA through IEA) with one 2400 loop per
// service line. The caller is expected to have scrubbed the claim first.
func Generate837P(claim *claims.Claim, submitter SubmitterInfo, opts Options) (string, error) {
	if claim == nil {
		return "", fmt.Errorf("claim is required")
	}
	if len(claim.ServiceLines) == 0 {
		return "", fmt.Errorf("claim %s has no service lines", claim.ClaimID)
	}
	if len(claim.Diagnoses) == 0 {
		return "", fmt.Errorf("claim %s has no diagnoses", claim.ClaimID)
	}
	if opts.Usage == "" {
		opts.Usage = "T"
	}

	now := timeNow()
	// Interchange control number links ISA/IEA, GS/GE, and ST/SE.
	control := now.Unix() % 1_000_000_000
	ctl9 := fmt.Sprintf("%09d", control)
	stControl := "0001"

	var segments []Segment

	segments = append(segments, seg("ISA",
		"00", padRight("", 10),
		"00", padRight("", 10),
		"ZZ", padRight(opts.SenderID, 15),
		"ZZ", padRight(opts.ReceiverID, 15),
		now.Format("060102"), now.Format("1504"),
		"^", "00501", ctl9, "0", opts.Usage, ":"))

	segments = append(segments, seg("GS",
		"HC", opts.SenderID, opts.ReceiverID,
		now.Format("20060102"), now.Format("150405"),
		strconv.FormatInt(control, 10), "X", "005010X222A1"))

	// Transaction set header; count of ST..SE segments is filled into SE
	// below.
	stIndex := len(segments)
	segments = append(segments, seg("ST", "837", stControl))

	segments = append(segments, seg("BHT",
		"0019", "00", claim.ClaimID,
		now.Format("20060102"), now.Format("150405"), "CH"))

	// 1000A submitter + contact
	segments = append(segments, seg("NM1",
		"41", "2", submitter.PracticeName, "", "", "", "", "46", opts.SenderID))
	segments = append(segments, seg("PER",
		"IC", submitter.ContactName, "TE", submitter.ContactPhone))

	// 1000B receiver
	segments = append(segments, seg("NM1",
		"40", "2", submitter.PayerName, "", "", "", "", "46", opts.ReceiverID))

	// 2000A billing provider hierarchy
	segments = append(segments, seg("HL", "1", "", "20", "1"))
	segments = append(segments, seg("PRV", "BI", "PXC", submitter.TaxonomyCode))

	// 2010AA billing provider
	segments = append(segments, seg("NM1",
		"85", "2", submitter.PracticeName, "", "", "", "", "XX", submitter.BillingNPI))
	segments = append(segments, seg("N3", submitter.AddressLine))
	segments = append(segments, seg("N4", submitter.City, submitter.State, submitter.Zip))
	segments = append(segments, seg("REF", "EI", submitter.TaxID))

	// 2000B subscriber hierarchy
	segments = append(segments, seg("HL", "2", "1", "22", "0"))
	segments = append(segments, seg("SBR", "P", "18", "", "", "", "", "", "", "CI"))

	// 2010BA subscriber
	segments = append(segments, seg("NM1",
		"IL", "1", submitter.SubscriberLastName, submitter.SubscriberFirstName,
		"", "", "", "MI", submitter.MemberID))
	segments = append(segments, seg("DMG",
		"D8", submitter.SubscriberDOB.Format("20060102"), submitter.SubscriberGender))

	// 2300 claim
	pos := claim.ServiceLines[0].PlaceOfService
	segments = append(segments, seg("CLM",
		claim.ClaimID,
		formatAmount(claim.TotalCharge()),
		"", "",
		pos+":B:"+claim.ClaimType.FrequencyCode(),
		"Y", "A", "Y", "Y"))
	segments = append(segments, seg("DTP",
		"434", "RD8",
		claim.StatementFromDate.Format("20060102")+"-"+claim.StatementToDate.Format("20060102")))

	for i, dx := range claim.Diagnoses {
		qualifier := "ABF"
		if i == 0 || dx.DiagnosisType == claims.DiagnosisPrimary {
			qualifier = "ABK"
		}
		code := strings.ReplaceAll(dx.DiagnosisCode, ".", "")
		segments = append(segments, seg("HI", qualifier+":"+code))
	}

	// 2310A rendering provider
	segments = append(segments, seg("NM1",
		"82", "1", submitter.RenderingLastName, submitter.RenderingFirstName,
		"", "", "", "XX", submitter.RenderingNPI))

	// 2400 service lines, LX counters from 1
	for i, line := range claim.ServiceLines {
		segments = append(segments, seg("LX", strconv.Itoa(i+1)))

		procedure := "HC:" + line.CPTCode
		for _, mod := range line.Modifiers {
			procedure += ":" + mod
		}
		pointers := make([]string, len(line.DiagnosisPointers))
		for j, p := range line.DiagnosisPointers {
			pointers[j] = strconv.Itoa(p)
		}
		segments = append(segments, seg("SV1",
			procedure,
			formatAmount(line.Charge()),
			"UN", strconv.Itoa(line.Units),
			"", "",
			strings.Join(pointers, ":")))

		segments = append(segments, seg("DTP",
			"472", "D8", line.ServiceDate.Format("20060102")))
	}

	// SE counts every segment from ST through SE inclusive.
	segmentCount := len(segments) - stIndex + 1
	segments = append(segments, seg("SE", strconv.Itoa(segmentCount), stControl))
	segments = append(segments, seg("GE", "1", strconv.FormatInt(control, 10)))
	segments = append(segments, seg("IEA", "1", ctl9))

	return render(segments), nil
}

// requiredTags is the fixed set the structural smoke test checks for.
var requiredTags = []string{"ISA", "GS", "ST", "BHT", "SE", "GE", "IEA"}

// Validate837P performs presence checks only: every required envelope tag
// must appear followed by the element separator, and both delimiters must
// occur somewhere in the document. It is a smoke test, not a grammar
// validator.
func Validate837P(doc string) DocumentCheck {
	var check DocumentCheck

	for _, tag := range requiredTags {
		if !containsSegment(doc, tag) {
			check.Problems = append(check.Problems, fmt.Sprintf("missing required segment %s", tag))
		}
	}
	if !strings.Contains(doc, SegmentTerminator) {
		check.Problems = append(check.Problems, "missing segment terminator")
	}
	if !strings.Contains(doc, ElementSeparator) {
		check.Problems = append(check.Problems, "missing element separator")
	}

	check.Valid = len(check.Problems) == 0
	return check
}

// containsSegment reports whether a segment tag starts a line in the
// document. Matching the tag at a line start avoids false hits on element
// contents.
func containsSegment(doc, tag string) bool {
	prefix := tag + ElementSeparator
	if strings.HasPrefix(doc, prefix) {
		return true
	}
	return strings.Contains(doc, "\n"+prefix) || strings.Contains(doc, SegmentTerminator+prefix)
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
