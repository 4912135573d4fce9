package otel_test

import (
	"context"
	"testing"

	"github.com/louisbranch/tablesync/internal/platform/otel"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("TABLESYNC_OTEL_ENDPOINT", "")
	t.Setenv("TABLESYNC_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupNoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("TABLESYNC_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("TABLESYNC_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	t.Setenv("TABLESYNC_OTEL_SAMPLE_RATIO", "0.25")
	// Non-routable address so nothing is exported.
	t.Setenv("TABLESYNC_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("TABLESYNC_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupRejectsBadSampleRatio(t *testing.T) {
	t.Setenv("TABLESYNC_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("TABLESYNC_OTEL_ENABLED", "")
	t.Setenv("TABLESYNC_OTEL_SAMPLE_RATIO", "1.5")

	if _, err := otel.Setup(context.Background(), "test-service"); err == nil {
		t.Fatal("expected error for sample ratio above 1")
	}
}
