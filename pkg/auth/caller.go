package auth

import (
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/ledger"
)

// Request headers read by CallerFromRequest.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTestRequest    = "X-Test-Request"
)

// CallerFromRequest builds the ledger caller for an authenticated request.
// The tenant is taken from the principal only; no header or body can override it.
func CallerFromRequest(r *http.Request) (ledger.Caller, error) {
	p, err := GetPrincipal(r.Context())
	if err != nil {
		return ledger.Caller{}, err
	}
	isTest, _ := strconv.ParseBool(r.Header.Get(HeaderTestRequest))
	return ledger.Caller{
		TenantID:       p.TenantID,
		ActorID:        p.ID,
		CorrelationID:  GetRequestID(r.Context()),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		IsTestRequest:  isTest,
	}, nil
}
