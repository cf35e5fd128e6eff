// Package telemetry provides the observability stack of a management
// process: structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and post-commit notifications.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
// Components derive their own logger and tag it with the transaction they
// work on:
//
//	logger := tel.Logger.NewComponentLogger("controller").WithTxID(txID)
//	logger.WithOperation("add", addr).Debug("step completed")
//
// # Metrics
//
// Every Record method is safe on a disabled or nil *Metrics, so callers never
// check whether collection is enabled. The registry is private to the
// process and served by Handler:
//
//	mux.Handle("/metrics", tel.Metrics.Handler())
//
// Collected series include operations_total{operation,outcome},
// transactions_total{result}, steps_total{stage}, active_transactions and
// proxy_requests_total{outcome}.
//
// # Tracing
//
// One span covers each top-level execute, with a child span for every
// request forwarded to a remote controller. Exporters: otlp (gRPC), stdout
// and none.
//
// # Notifications
//
// The controller publishes resource-added, resource-removed and
// attribute-value-written notifications once a transaction commits.
// Subscribers see them in publication order:
//
//	cancel := tel.Notifications.Subscribe(func(n telemetry.Notification) {
//	    fmt.Println(n.Type, n.Source)
//	}, telemetry.FilterByType(telemetry.NotificationResourceAdded))
//	defer cancel()
package telemetry
