package httpapi

import "net/http"

// Error codes carried in the structured security payload. Step-up
// rejections carry the codes minted by the stepup package.
const (
	codePermissionRevoked = "PERMISSION_REVOKED"
	codeAccessDenied      = "ACCESS_DENIED"
)

// securityError is the structured payload for authentication and
// authorization rejections. Optional fields guide the client UI; they
// never leak hashes or other users' state.
type securityError struct {
	ErrorCode         string `json:"errorCode"`
	Message           string `json:"message"`
	RequiredLevel     string `json:"requiredLevel,omitempty"`
	RemainingAttempts *int   `json:"remainingAttempts,omitempty"`
	RemainingSeconds  *int   `json:"remainingSeconds,omitempty"`
}

func writeSecurityError(w http.ResponseWriter, status int, payload securityError) {
	writeJSON(w, status, payload)
}

func intPtr(v int) *int { return &v }
