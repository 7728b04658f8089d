package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"
	ErrAPIKeyInvalid ErrCode = "API_KEY_INVALID"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation      ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload  ErrCode = "INVALID_PAYLOAD"
	ErrInvalidDuration ErrCode = "INVALID_DURATION"

	// ─── Attempts ──────────────────────────────────────────────────────
	ErrAttemptActive   ErrCode = "ATTEMPT_ALREADY_ACTIVE"
	ErrAttemptMismatch ErrCode = "ATTEMPT_MISMATCH"
	ErrNotFound        ErrCode = "NOT_FOUND"

	// ─── Timer ─────────────────────────────────────────────────────────
	ErrCoordinatorDisabled ErrCode = "COORDINATOR_DISABLED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "An attempt token is required."
	case ErrTokenInvalid:
		return "The attempt token is invalid."
	case ErrTokenExpired:
		return "The attempt token has expired."
	case ErrAPIKeyInvalid:
		return "The platform API key is missing or invalid."
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidPayload:
		return "The request payload is invalid."
	case ErrInvalidDuration:
		return "The expected duration must be a positive number of milliseconds."
	case ErrAttemptActive:
		return "A token for this attempt is already active."
	case ErrAttemptMismatch:
		return "The token does not belong to this attempt."
	case ErrNotFound:
		return "Resource not found."
	case ErrCoordinatorDisabled:
		return "The shared timer coordinator is disabled in this deployment."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
