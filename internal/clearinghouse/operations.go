package clearinghouse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/medflow/go-cie/internal/claims"
)

// Clearinghouse API endpoints, relative to the environment base URL.
const (
	endpointEligibility = "/api/v1/eligibility/check"
	endpointClaims      = "/api/v1/claims"
	endpointERAs        = "/api/v1/era"
	endpointPatientSync = "/api/v1/patients/sync"
)

// Lifecycle event topics.
const (
	topicClaimSubmitted = "claim.submitted"
	topicClaimRejected  = "claim.rejected"
)

// APIResponse is the typed success envelope returned by the public
// operations. Failures are returned as *APIError instead.
type APIResponse[T any] struct {
	Success   bool          `json:"success"`
	Data      T             `json:"data"`
	RequestID string        `json:"requestId"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// EligibilityRequest asks the payer whether a patient is covered.
type EligibilityRequest struct {
	PatientID        string   `json:"patientId"`
	InsuranceID      string   `json:"insuranceId"`
	ServiceDate      string   `json:"serviceDate"`
	ServiceTypeCodes []string `json:"serviceTypeCodes,omitempty"`
}

// EligibilityResponse is the payer's coverage answer.
type EligibilityResponse struct {
	CoverageStatus string  `json:"coverageStatus"`
	PayerName      string  `json:"payerName"`
	PlanName       string  `json:"planName"`
	GroupNumber    string  `json:"groupNumber"`
	Copay          float64 `json:"copay"`
	Deductible     float64 `json:"deductible"`
	DeductibleMet  float64 `json:"deductibleMet"`
}

// ClaimSubmissionAck acknowledges a submitted claim.
type ClaimSubmissionAck struct {
	ClaimID         string    `json:"claimId"`
	ClearinghouseID string    `json:"clearinghouseId"`
	Status          string    `json:"status"`
	SubmittedAt     time.Time `json:"submittedAt"`
}

// ClaimStatusResponse reports where a claim sits in adjudication.
type ClaimStatusResponse struct {
	ClaimID     string    `json:"claimId"`
	Status      string    `json:"status"`
	StatusCode  string    `json:"statusCode"`
	PaidAmount  float64   `json:"paidAmount"`
	CheckNumber string    `json:"checkNumber"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ERA is an electronic remittance advice summary.
type ERA struct {
	ERAID         string   `json:"eraId"`
	PayerName     string   `json:"payerName"`
	CheckNumber   string   `json:"checkNumber"`
	PaymentAmount float64  `json:"paymentAmount"`
	PaymentDate   string   `json:"paymentDate"`
	ClaimIDs      []string `json:"claimIds"`
}

// PatientSyncRequest pushes patient demographics to the practice-management
// system.
type PatientSyncRequest struct {
	PatientID   string `json:"patientId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
	Gender      string `json:"gender"`
	MemberID    string `json:"memberId,omitempty"`
}

// PatientSyncResult reports the remote identity assigned to the patient.
type PatientSyncResult struct {
	PatientID string `json:"patientId"`
	RemoteID  string `json:"remoteId"`
	Synced    bool   `json:"synced"`
}

// CheckEligibility verifies coverage for a patient/insurance pair.
func (c *Client) CheckEligibility(ctx context.Context, req EligibilityRequest) (*APIResponse[EligibilityResponse], error) {
	return call[EligibilityResponse](c, ctx, endpointEligibility, RequestOptions{
		Method: "POST",
		Body:   req,
	})
}

// SubmitClaim sends a structured claim for electronic billing. Validation is
// the caller's decision; SubmitClaim does not scrub the claim itself. A
// claim.submitted event is published on success.
func (c *Client) SubmitClaim(ctx context.Context, claim *claims.Claim) (*APIResponse[ClaimSubmissionAck], error) {
	resp, err := call[ClaimSubmissionAck](c, ctx, endpointClaims, RequestOptions{
		Method: "POST",
		Body:   claim,
	})
	if err != nil {
		c.publishEvent(ctx, topicClaimRejected, claim.ClaimID, map[string]string{
			"claimId": claim.ClaimID,
			"error":   err.Error(),
		})
		return nil, err
	}

	c.publishEvent(ctx, topicClaimSubmitted, claim.ClaimID, map[string]interface{}{
		"claimId":         claim.ClaimID,
		"clearinghouseId": resp.Data.ClearinghouseID,
		"requestId":       resp.RequestID,
		"submittedAt":     resp.Timestamp,
	})
	return resp, nil
}

// GetClaimStatus fetches adjudication status for a previously submitted
// claim.
func (c *Client) GetClaimStatus(ctx context.Context, claimID string) (*APIResponse[ClaimStatusResponse], error) {
	endpoint := fmt.Sprintf("%s/%s/status", endpointClaims, url.PathEscape(claimID))
	return call[ClaimStatusResponse](c, ctx, endpoint, RequestOptions{Method: "GET"})
}

// GetERAs lists remittance advices posted within the date range.
func (c *Client) GetERAs(ctx context.Context, from, to time.Time) (*APIResponse[[]ERA], error) {
	q := url.Values{}
	q.Set("from", from.Format("2006-01-02"))
	q.Set("to", to.Format("2006-01-02"))
	return call[[]ERA](c, ctx, endpointERAs+"?"+q.Encode(), RequestOptions{Method: "GET"})
}

// SyncPatient pushes patient demographics upstream.
func (c *Client) SyncPatient(ctx context.Context, req PatientSyncRequest) (*APIResponse[PatientSyncResult], error) {
	return call[PatientSyncResult](c, ctx, endpointPatientSync, RequestOptions{
		Method: "POST",
		Body:   req,
	})
}

// call runs the pipeline and decodes the relay data into the typed envelope.
func call[T any](c *Client, ctx context.Context, endpoint string, opts RequestOptions) (*APIResponse[T], error) {
	res, err := c.Request(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}

	var data T
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &data); err != nil {
			return nil, &APIError{
				Code:    CodeInvalidValue,
				Message: fmt.Sprintf("decode %s response: %v", endpoint, err),
			}
		}
	}

	return &APIResponse[T]{
		Success:   true,
		Data:      data,
		RequestID: res.RequestID,
		Timestamp: res.Timestamp,
		Duration:  res.Duration,
	}, nil
}
