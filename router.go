package oauth

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/security"
)

// NewRouter mounts the OAuth endpoints on a gorilla/mux router with request
// ids, access logging and instrumentation. Callers add their protected API
// routes to the returned router, wrapped in Handler.ValidateToken.
func NewRouter(h *Handler, inst *instrumentation.Instrumentation, logger *slog.Logger) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(security.RequestIDMiddleware)
	router.Use(security.RequestLogger(logger))
	router.Use(inst.HTTPMiddleware)

	router.HandleFunc(PathAuthorizationServerMetadata, h.ServeAuthorizationServerMetadata).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc(PathJWKS, h.ServeJWKS).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc(PathWellKnownJWKS, h.ServeJWKS).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc(PathRegister, h.ServeClientRegistration).Methods(http.MethodPost)
	router.HandleFunc(PathAuthorize, h.ServeAuthorization).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc(PathToken, h.ServeToken).Methods(http.MethodPost)
	router.HandleFunc(PathRevoke, h.ServeTokenRevocation).Methods(http.MethodPost)
	router.HandleFunc(PathHealth, h.ServeHealth).Methods(http.MethodGet)

	if inst != nil {
		router.Handle(PathMetrics, inst.MetricsHandler()).Methods(http.MethodGet)
	}

	return router
}
