package instrumentation

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Never put credential values (codes, tokens, secrets,
// verifiers) on spans; use family ids and generations instead.
const (
	AttrClientID        = "oauth.client_id"
	AttrUserID          = "oauth.user_id"
	AttrScope           = "oauth.scope"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // identifier, not a credential
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // identifier, not a credential
	AttrCodeReuse       = "oauth.code.reuse"
	AttrTokenReuse      = "oauth.token.reuse" //nolint:gosec // boolean flag
	AttrGrantType       = "oauth.grant_type"
	AttrClientType      = "oauth.client_type"
	AttrKeyID           = "oauth.key.kid"
	AttrError           = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the non-empty client, user and scope attributes.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware starts a server span per request and records request
// metrics. It must be installed with mux.Router.Use so that the matched
// route template names the endpoint.
func (i *Instrumentation) HTTPMiddleware(next http.Handler) http.Handler {
	tracer := i.Tracer("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+endpoint, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		SetSpanAttributes(span,
			attribute.String(AttrHTTPMethod, r.Method),
			attribute.String(AttrHTTPEndpoint, endpoint),
			attribute.Int(AttrHTTPStatusCode, sw.status),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		i.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, sw.status, float64(time.Since(start).Microseconds())/1000)
	})
}

// StartStorageSpan starts a span for a storage operation on tracer.
func StartStorageSpan(ctx context.Context, tracer trace.Tracer, operation, storageType string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "storage."+operation)
	AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// FinishStorageSpan ends span and records the storage metrics for it.
func FinishStorageSpan(ctx context.Context, span trace.Span, m *Metrics, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
		RecordError(span, err)
	} else {
		SetSpanSuccess(span)
	}
	span.End()
	m.RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Microseconds())/1000)
}
