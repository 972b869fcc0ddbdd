// Package webapi has the types of the authverdict HTTP API, and a client.
//
// The API is a sherpa API, served under /api/. Functions are called with an
// HTTP POST with a JSON body of the form {"params": [...]}. The response is a
// JSON object with either a "result" or an "error" field. Errors have a code
// and a message. Codes starting with "user:" indicate a problem with the
// request, other codes indicate a server problem.
//
// The API can be protected with HTTP basic authentication.
package webapi

import (
	"context"
	"fmt"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/verdictdb"
)

// Methods of the API. Client implements these methods.
type Methods interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResult, error)
	ClearCache(ctx context.Context) error
	Verdicts(ctx context.Context, req VerdictsRequest) ([]verdictdb.Verdict, error)
	VerdictRemove(ctx context.Context, id string) error
}

// Error codes returned by the API, in addition to the generic sherpa codes.
const (
	ErrorUser                 = "user:error"
	ErrorMissingConfiguration = "user:missingConfiguration" // No allowed authserv-ids configured for tenant and user.
	ErrorNotFound             = "user:notFound"
	ErrorServer               = "server:error"
)

// Error is returned by Client for API calls that failed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

// EvaluateRequest is a request to evaluate the authenticity of a message.
type EvaluateRequest struct {
	Tenant string
	User   string

	// Message header, or full message, in RFC 5322 form. Only the header is
	// parsed.
	Message string

	// Whether to store the verdict. Verdicts are not stored if evaluation is disabled
	// for the tenant and user.
	Store bool
}

// EvaluateResult is the verdict for a message.
type EvaluateResult struct {
	Result authres.OverallResult

	// Trusted results as single Authentication-Results header, including
	// trailing crlf. Empty if evaluation is disabled.
	Header string

	VerdictID string // Non-empty if stored.
}

// VerdictsRequest selects stored verdicts. Empty fields match all.
type VerdictsRequest struct {
	Tenant     string
	User       string
	FromDomain string
	Status     authres.Status
	Limit      int // Maximum number of verdicts, default 100, at most 1000.
}
