package oauth

import (
	"net/http"
	"net/url"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/server"
)

// ServeAuthorization handles the authorization endpoint. GET validates the
// request and shows the consent page; POST applies the consent decision.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveAuthorizationRequest(w, r)
	case http.MethodPost:
		h.serveConsentDecision(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveAuthorizationRequest(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "oauth.http.authorize")
	defer span.End()

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "authorize") {
		return
	}

	q := r.URL.Query()
	attempt := h.server.ValidateAuthorizationRequest(r.Context(), server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}, clientIP)
	if attempt.State == server.StateRejected {
		instrumentation.RecordError(span, attempt.Err)
		h.finishAuthorization(w, r, attempt)
		return
	}

	userID, ok := h.authenticator.AuthenticatedUser(r)
	if !ok {
		h.writeRedirect(w, r, h.loginURL(r))
		return
	}

	consent, err := h.server.BeginConsent(r.Context(), attempt, userID)
	if err != nil {
		oauthErr := server.AsError(err)
		h.logger.Error("Failed to start consent", "client_id", attempt.Client.ClientID, "error", oauthErr.Err)
		h.renderErrorPage(w, oauthErr)
		return
	}

	client := attempt.Client
	name := client.ClientName
	if name == "" {
		name = client.ClientID
	}
	h.renderPage(w, consentTemplate, consentPage{
		ClientName:   name,
		LogoURI:      client.LogoURI,
		PolicyURI:    client.PolicyURI,
		TOSURI:       client.TOSURI,
		Scopes:       h.describeScopes(helpers.ParseScope(attempt.Scope)),
		Action:       h.endpoint(PathAuthorize),
		ConsentToken: consent.Token,
	}, http.StatusOK, security.FormActionSource(attempt.Request.RedirectURI))
}

func (h *Handler) serveConsentDecision(w http.ResponseWriter, r *http.Request) {
	r, span := h.startSpan(r, "oauth.http.consent")
	defer span.End()

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "authorize") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.renderErrorPage(w, server.InvalidRequest("failed to parse consent form"))
		return
	}

	userID, ok := h.authenticator.AuthenticatedUser(r)
	if !ok {
		h.renderErrorPage(w, server.AccessDenied("you must be signed in to answer an authorization request"))
		return
	}

	approved := r.PostForm.Get("approve") == "true"
	attempt := h.server.CompleteConsent(r.Context(), r.PostForm.Get("consent_token"), userID, approved, clientIP)
	if attempt.Err != nil {
		instrumentation.RecordError(span, attempt.Err)
	}
	h.finishAuthorization(w, r, attempt)
}

// finishAuthorization redirects to the client when its redirect URI has been
// verified and renders an error page otherwise.
func (h *Handler) finishAuthorization(w http.ResponseWriter, r *http.Request, attempt *server.AuthorizationAttempt) {
	if location := attempt.RedirectURL(); location != "" {
		h.writeRedirect(w, r, location)
		return
	}

	err := attempt.Err
	if err == nil {
		err = server.ServerError(nil)
	}
	if err.Code == ErrorCodeServerError && err.Err != nil {
		h.logger.Error("Authorization request failed", "error", err.Err)
	}
	h.renderErrorPage(w, err)
}

// loginURL sends the user to the login page and back to this exact request
func (h *Handler) loginURL(r *http.Request) string {
	login := h.server.Config.LoginURL
	u, err := url.Parse(login)
	if err != nil {
		return login
	}
	q := u.Query()
	q.Set("return_to", h.endpoint(PathAuthorize)+"?"+r.URL.RawQuery)
	u.RawQuery = q.Encode()
	return u.String()
}
