package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/cboxdk/worker-pool-manager/internal/config"
)

func TestNewService(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name      string
		config    config.TelemetryConfig
		wantError bool
	}{
		{
			name:      "telemetry disabled",
			config:    config.TelemetryConfig{Enabled: false},
			wantError: false,
		},
		{
			name: "telemetry enabled with stdout exporter",
			config: config.TelemetryConfig{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Environment:    "test",
				Exporter:       config.TelemetryExporterConfig{Type: "stdout"},
				Sampling:       config.TelemetrySamplingConfig{Rate: 0.5},
			},
			wantError: false,
		},
		{
			name: "otlp exporter without endpoint",
			config: config.TelemetryConfig{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter:    config.TelemetryExporterConfig{Type: "otlp"},
			},
			wantError: true,
		},
		{
			name: "unsupported exporter type",
			config: config.TelemetryConfig{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter:    config.TelemetryExporterConfig{Type: "unsupported"},
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewService(tt.config, logger)

			if tt.wantError {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if service.IsEnabled() != tt.config.Enabled {
				t.Errorf("expected enabled=%v", tt.config.Enabled)
			}
			if err := service.Start(context.Background()); err != nil {
				t.Errorf("start failed: %v", err)
			}
			if err := service.Stop(context.Background()); err != nil {
				t.Errorf("stop failed: %v", err)
			}
		})
	}
}

func TestTraceHelperPropagatesErrors(t *testing.T) {
	service, err := NewService(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	helper := service.GetTraceHelper()

	called := false
	err = helper.TraceWorkerOperationFunc(context.Background(), "w-1", "restart", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected fn to run without error, called=%v err=%v", called, err)
	}

	boom := errors.New("boom")
	err = helper.TraceScalingFunc(context.Background(), 2, 4, "scale_up", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}

	err = helper.TraceMetricsCollectionFunc(context.Background(), 3, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
