package middleware

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/blockpilot/worker/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to
// bypass admission limits.
func isInternalRequest(r *http.Request) bool {
	internalHeader := r.Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}
	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		return false
	}
	return internalHeader == expectedSecret
}

// GlobalAdmission caps total requests on a handler, fail-open on
// limiter errors so an unreachable Redis never takes the endpoint down.
func GlobalAdmission(limiter *ratelimit.Limiter, limit int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if isInternalRequest(r) {
			next(w, r)
			return
		}

		result, err := limiter.AdmitGlobal(r.Context(), limit)
		if err != nil {
			next(w, r)
			return
		}
		if !result.Allowed {
			tooManyRequests(w, "global_limit_exceeded", result)
			return
		}
		next(w, r)
	}
}

// UserAdmission caps requests per user. userID is read from the query
// (the WebSocket endpoint identifies subscribers that way) falling back
// to the X-User-ID header.
func UserAdmission(limiter *ratelimit.Limiter, tier ratelimit.Tier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if isInternalRequest(r) {
			next(w, r)
			return
		}

		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			userID = r.Header.Get("X-User-ID")
		}
		if userID == "" {
			next(w, r)
			return
		}

		result, err := limiter.AdmitUser(r.Context(), userID, tier)
		if err != nil {
			next(w, r)
			return
		}
		if !result.Allowed {
			tooManyRequests(w, "user_limit_exceeded", result)
			return
		}
		next(w, r)
	}
}

func tooManyRequests(w http.ResponseWriter, code string, result *ratelimit.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": code,
		"details": map[string]interface{}{
			"limit":               result.Limit,
			"current_count":       result.CurrentCount,
			"retry_after_seconds": result.RetryAfterSeconds,
		},
	})
}
