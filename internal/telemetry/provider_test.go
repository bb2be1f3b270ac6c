package telemetry

import (
	"context"
	"testing"

	"recordable/server/internal/config"
)

func TestSetupIsNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.Telemetry{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not fail: %v", err)
	}
}

func TestSetupCreatesProvider(t *testing.T) {
	// A TEST-NET address keeps the exporter from reaching anything.
	shutdown, err := Setup(context.Background(), config.Telemetry{Endpoint: "http://192.0.2.1:4318", ServiceName: "recordable-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
