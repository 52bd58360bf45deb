// Package instrumentation provides OpenTelemetry metrics and traces for the
// authorization server.
//
// When Config.Enabled is false every provider is a no-op and the Metrics
// recorders cost nothing. When enabled, metrics are collected by the
// OpenTelemetry SDK and exposed in Prometheus text format through
// MetricsHandler; traces go to the stdout exporter when TraceExporter is
// "stdout".
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "mindflow-oauth",
//		Enabled:         true,
//		MetricsExporter: "prometheus",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Metrics
//
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//   - oauth.authorization.requests{result}
//   - oauth.consent.decisions{decision}
//   - oauth.code.exchanged{result}
//   - oauth.token.refreshed{result}
//   - oauth.token.revoked{reason}
//   - oauth.client.registered{client_type}
//   - oauth.bearer.validations{result}
//   - oauth.keys.rotated
//   - oauth.security.rate_limit_exceeded{endpoint}
//   - oauth.security.pkce_validation_failed{reason}
//   - oauth.security.code_reuse_detected
//   - oauth.security.token_reuse_detected
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.clients.count, storage.codes.count, storage.families.count,
//     storage.refresh_tokens.count
//
// Identifiers such as client ids are deliberately not used as metric labels
// to keep cardinality bounded; they appear on spans instead.
package instrumentation
