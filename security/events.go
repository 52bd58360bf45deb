package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events
	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"
	// EventFamilyRevoked is logged whenever a whole refresh token family is revoked.
	EventFamilyRevoked = "token_family_revoked"

	// Authorization flow events
	EventAuthorizationRequestValidated = "authorization_request_validated"
	EventAuthorizationRequestRejected  = "authorization_request_rejected"
	EventConsentGranted                = "consent_granted"
	EventConsentDenied                 = "consent_denied"
	EventAuthorizationCodeIssued       = "authorization_code_issued"

	// Replay detection
	EventAuthorizationCodeReuse = "authorization_code_reuse_detected"
	EventRefreshTokenReuse      = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	// Client registration events
	EventClientRegistered                    = "client_registered"
	EventClientRegistrationRejected          = "client_registration_rejected"
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"
	EventClientDeactivated                   = "client_deactivated"

	// Security violations
	EventAuthFailure          = "auth_failure"
	EventRateLimitExceeded    = "rate_limit_exceeded"
	EventPKCEValidationFailed = "pkce_validation_failed"
	EventInvalidRedirect      = "invalid_redirect"
	EventScopeEscalation      = "scope_escalation_attempt"
	EventConsentTokenInvalid  = "consent_token_invalid"

	// Key management
	EventSigningKeyRotated = "signing_key_rotated"
	EventSigningKeyRetired = "signing_key_retired"
)
