package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/google/uuid"

	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/storage"
)

// AuthorizationState is the state of one authorization attempt.
type AuthorizationState string

const (
	StateReceived       AuthorizationState = "RECEIVED"
	StateValidated      AuthorizationState = "VALIDATED"
	StateConsentGranted AuthorizationState = "CONSENT_GRANTED"
	StateConsentDenied  AuthorizationState = "CONSENT_DENIED"
	StateCodeIssued     AuthorizationState = "CODE_ISSUED"
	StateRejected       AuthorizationState = "REJECTED"
)

// allowedTransitions is the authorization state machine. CODE_ISSUED,
// CONSENT_DENIED and REJECTED are terminal.
var allowedTransitions = map[AuthorizationState][]AuthorizationState{
	StateReceived:       {StateValidated, StateRejected},
	StateValidated:      {StateConsentGranted, StateConsentDenied, StateRejected},
	StateConsentGranted: {StateCodeIssued, StateRejected},
}

// AuthorizationRequest holds the parameters of an authorization request
// (RFC 6749 Section 4.1.1, RFC 7636 Section 4.3).
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationAttempt tracks one request through the state machine.
type AuthorizationAttempt struct {
	State   AuthorizationState
	Request AuthorizationRequest

	// Client is set once the client has been resolved
	Client *storage.Client

	// Scope is the normalized scope that will be granted
	Scope string

	// RedirectVerified is true once RedirectURI is known to be registered
	// for Client. Errors are only sent to the redirect URI after that.
	RedirectVerified bool

	// Code is set in CODE_ISSUED
	Code string

	// Err is set in REJECTED and CONSENT_DENIED
	Err *Error
}

func (a *AuthorizationAttempt) transition(to AuthorizationState) error {
	if !slices.Contains(allowedTransitions[a.State], to) {
		return fmt.Errorf("illegal authorization state transition %s -> %s", a.State, to)
	}
	a.State = to
	return nil
}

// reject moves the attempt to REJECTED with err
func (a *AuthorizationAttempt) reject(err *Error) *AuthorizationAttempt {
	// Every non-terminal state may move to REJECTED.
	a.State = StateRejected
	a.Err = err
	return a
}

// RedirectURL builds the redirect back to the client: code and state on
// success, error, error_description and state otherwise. It returns "" when
// the redirect URI has not been verified; the caller must render an error
// page instead.
func (a *AuthorizationAttempt) RedirectURL() string {
	if !a.RedirectVerified {
		return ""
	}
	u, err := url.Parse(a.Request.RedirectURI)
	if err != nil {
		return ""
	}

	q := u.Query()
	switch {
	case a.State == StateCodeIssued:
		q.Set("code", a.Code)
	case a.Err != nil:
		q.Set("error", a.Err.Code)
		if a.Err.Description != "" {
			q.Set("error_description", a.Err.Description)
		}
	default:
		return ""
	}
	if a.Request.State != "" {
		q.Set("state", a.Request.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ValidateAuthorizationRequest runs the validation step. The returned
// attempt is VALIDATED or REJECTED; it is never nil.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest, clientIP string) *AuthorizationAttempt {
	ctx, span := s.startSpan(ctx, "server.ValidateAuthorizationRequest")
	defer span.End()

	attempt := &AuthorizationAttempt{State: StateReceived, Request: req}
	result := s.validateAuthorization(ctx, attempt)

	if result.State == StateRejected {
		s.Logger.Info("Authorization request rejected",
			"client_id", req.ClientID,
			"error", result.Err.Code,
			"description", result.Err.Description,
			"redirect_verified", result.RedirectVerified)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationRequestRejected,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"error": result.Err.Code, "description": result.Err.Description},
		})
		s.metrics().RecordAuthorizationRequest(ctx, "rejected")
	} else {
		s.metrics().RecordAuthorizationRequest(ctx, "validated")
	}
	return result
}

func (s *Server) validateAuthorization(ctx context.Context, a *AuthorizationAttempt) *AuthorizationAttempt {
	req := a.Request

	// Until the redirect URI is verified, errors are shown to the user only.
	if req.ClientID == "" {
		return a.reject(InvalidRequest("client_id is required"))
	}
	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return a.reject(InvalidClient("unknown or inactive client"))
		}
		return a.reject(ServerError(err))
	}
	a.Client = client

	if req.RedirectURI == "" {
		return a.reject(InvalidRequest("redirect_uri is required"))
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.ClientID,
			Details:  map[string]any{"redirect_uri": sanitizeURIForLogging(req.RedirectURI)},
		})
		return a.reject(InvalidRequest("redirect_uri is not registered for this client"))
	}
	a.RedirectVerified = true

	if req.ResponseType != ResponseTypeCode {
		return a.reject(UnsupportedResponseType("response_type must be code"))
	}
	if !client.SupportsGrant(GrantTypeAuthorizationCode) {
		return a.reject(UnauthorizedClient("client is not allowed to use the authorization code grant"))
	}
	if err := validatePKCEChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.metrics().RecordPKCEValidationFailed(ctx, "invalid_challenge")
		return a.reject(err)
	}
	if err := validateStateParameter(req.State); err != nil {
		return a.reject(err)
	}

	scope, scopeErr := resolveRequestedScope(req.Scope, client)
	if scopeErr != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalation,
			ClientID: client.ClientID,
			Details:  map[string]any{"requested": req.Scope},
		})
		return a.reject(scopeErr)
	}
	a.Scope = scope

	if err := a.transition(StateValidated); err != nil {
		return a.reject(ServerError(err))
	}
	return a
}

// BeginConsent stores a validated attempt for userID and returns the
// one-time consent token to embed in the consent form.
func (s *Server) BeginConsent(ctx context.Context, a *AuthorizationAttempt, userID string) (*storage.ConsentRequest, error) {
	if a == nil || a.State != StateValidated {
		return nil, ServerError(fmt.Errorf("consent requires a validated authorization attempt"))
	}
	if userID == "" {
		return nil, ServerError(fmt.Errorf("consent requires an authenticated user"))
	}

	now := s.now()
	req := &storage.ConsentRequest{
		Token:               generateRandomToken(),
		UserID:              userID,
		ClientID:            a.Client.ClientID,
		RedirectURI:         a.Request.RedirectURI,
		Scope:               a.Scope,
		State:               a.Request.State,
		CodeChallenge:       a.Request.CodeChallenge,
		CodeChallengeMethod: a.Request.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.ConsentTTL),
	}
	if err := s.store.SaveConsentRequest(ctx, req); err != nil {
		return nil, ServerError(err)
	}
	return req, nil
}

// CompleteConsent consumes a consent token and applies the user's
// decision. On approval a code is issued. The attempt is CODE_ISSUED,
// CONSENT_DENIED or REJECTED; a REJECTED attempt without a verified redirect
// URI must be rendered as an error page.
func (s *Server) CompleteConsent(ctx context.Context, consentToken, userID string, approved bool, clientIP string) *AuthorizationAttempt {
	ctx, span := s.startSpan(ctx, "server.CompleteConsent")
	defer span.End()

	attempt := &AuthorizationAttempt{State: StateReceived}

	if consentToken == "" {
		return attempt.reject(InvalidRequest("consent token is required"))
	}
	req, err := s.store.ConsumeConsentRequest(ctx, consentToken)
	if err != nil {
		if errors.Is(err, storage.ErrConsentRequestNotFound) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventConsentTokenInvalid,
				UserID:    userID,
				IPAddress: clientIP,
			})
			return attempt.reject(InvalidRequest("consent request expired or already used"))
		}
		return attempt.reject(ServerError(err))
	}

	if req.UserID != userID {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventConsentTokenInvalid,
			UserID:    userID,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": "user_mismatch"},
		})
		return attempt.reject(InvalidRequest("consent request belongs to another session"))
	}

	// Re-validate: the client may have been deactivated while the page was open.
	attempt = s.validateAuthorization(ctx, &AuthorizationAttempt{
		State: StateReceived,
		Request: AuthorizationRequest{
			ClientID:            req.ClientID,
			RedirectURI:         req.RedirectURI,
			ResponseType:        ResponseTypeCode,
			Scope:               req.Scope,
			State:               req.State,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
		},
	})
	if attempt.State == StateRejected {
		return attempt
	}

	if !approved {
		_ = attempt.transition(StateConsentDenied)
		attempt.Err = AccessDenied("the user denied the request")
		s.Logger.Info("User denied consent", "client_id", req.ClientID)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventConsentDenied,
			UserID:    userID,
			ClientID:  req.ClientID,
			IPAddress: clientIP,
		})
		s.metrics().RecordConsentDecision(ctx, "denied")
		return attempt
	}

	if err := attempt.transition(StateConsentGranted); err != nil {
		return attempt.reject(ServerError(err))
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventConsentGranted,
		UserID:    userID,
		ClientID:  req.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"scope": attempt.Scope},
	})
	s.metrics().RecordConsentDecision(ctx, "granted")

	return s.issueAuthorizationCode(ctx, attempt, userID, clientIP)
}

// issueAuthorizationCode creates the code for a CONSENT_GRANTED attempt.
// Each code seeds a new refresh token family.
func (s *Server) issueAuthorizationCode(ctx context.Context, a *AuthorizationAttempt, userID, clientIP string) *AuthorizationAttempt {
	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            a.Client.ClientID,
		UserID:              userID,
		RedirectURI:         a.Request.RedirectURI,
		Scope:               a.Scope,
		CodeChallenge:       a.Request.CodeChallenge,
		CodeChallengeMethod: a.Request.CodeChallengeMethod,
		FamilyID:            uuid.NewString(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return a.reject(ServerError(err))
	}

	if err := a.transition(StateCodeIssued); err != nil {
		return a.reject(ServerError(err))
	}
	a.Code = code.Code

	s.Logger.Info("Issued authorization code",
		"client_id", code.ClientID,
		"code_prefix", helpers.SafeTruncate(code.Code, tokenIDLogLength),
		"scope", code.Scope)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    userID,
		ClientID:  code.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"scope": code.Scope, "family_id": code.FamilyID},
	})
	return a
}
