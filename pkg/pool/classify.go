package pool

import (
	"bytes"
	"net/http"

	"github.com/pario-ai/keypool/pkg/models"
)

// Upstream body markers that mean the credential has run out of credit
// rather than being throttled.
var exhaustedMarkers = [][]byte{
	[]byte("ExceededBudget"),
	[]byte("budget_exceeded"),
	[]byte("over budget"),
	[]byte("insufficient_quota"),
	[]byte("credit balance is too low"),
	[]byte("billing"),
	[]byte("invalid_api_key"),
	[]byte("revoked"),
}

func hasExhaustedMarker(body []byte) bool {
	for _, m := range exhaustedMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// Classify decides what an upstream response says about the credential that
// made the call. Client errors that are not about the credential classify as
// ErrorNone.
func Classify(statusCode int, body []byte) models.ErrorKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return models.ErrorNone
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusPaymentRequired,
		statusCode == http.StatusForbidden:
		return models.ErrorExhausted
	case statusCode == http.StatusTooManyRequests:
		if hasExhaustedMarker(body) {
			return models.ErrorExhausted
		}
		return models.ErrorRateLimited
	case statusCode == 529: // upstream overloaded
		return models.ErrorRateLimited
	case statusCode >= 500:
		return models.ErrorUpstream
	case statusCode >= 400 && hasExhaustedMarker(body):
		return models.ErrorExhausted
	default:
		return models.ErrorNone
	}
}

// Retryable reports whether another credential might succeed where this one
// failed.
func Retryable(kind models.ErrorKind) bool {
	return kind != models.ErrorNone
}
