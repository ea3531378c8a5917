// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Instrumentation is opt-in. With Enabled unset, no-op providers are used and
// recording costs next to nothing.
//
//	inst, err := instrumentation.New(ctx, instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//		TracesEndpoint:  "http://otel-collector:4318",
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Meters and tracers are scoped per layer ("http", "server", "storage",
// "security"). Span attributes never carry token, code or secret values.
package instrumentation
