package otel

import (
	"time"

	hostmetrics "go.opentelemetry.io/contrib/instrumentation/host"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
)

// StartRuntimeMetrics starts Go runtime and host metric collection on the
// global meter provider
func StartRuntimeMetrics(interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(interval)); err != nil {
		return err
	}
	return hostmetrics.Start()
}
