package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestOverridesApply(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "strings and numbers",
			env: map[string]string{
				"WPM_BIND_ADDRESS":     " 127.0.0.1:9999 ",
				"WPM_WORKERS":          "6",
				"WPM_MAX_WORKERS":      "12",
				"WPM_SHUTDOWN_TIMEOUT": "45s",
				"WPM_STORAGE_BACKEND":  StorageBackendRedis,
				"WPM_REDIS_ADDR":       "redis:6379",
				"WPM_WORKER_COMMAND":   "/usr/local/bin/worker",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.BindAddress != "127.0.0.1:9999" {
					t.Errorf("BindAddress = %q", cfg.Server.BindAddress)
				}
				if cfg.Workers.Count != Workers(6) {
					t.Errorf("Workers.Count = %v", cfg.Workers.Count)
				}
				if cfg.Autoscaling.MaxWorkers != 12 {
					t.Errorf("MaxWorkers = %d", cfg.Autoscaling.MaxWorkers)
				}
				if cfg.Shutdown.Timeout != 45*time.Second {
					t.Errorf("Shutdown.Timeout = %v", cfg.Shutdown.Timeout)
				}
				if cfg.Storage.Backend != StorageBackendRedis || cfg.Storage.Redis.Addr != "redis:6379" {
					t.Errorf("Storage = %+v", cfg.Storage)
				}
				if cfg.Workers.Command != "/usr/local/bin/worker" {
					t.Errorf("Workers.Command = %q", cfg.Workers.Command)
				}
			},
		},
		{
			name: "auto worker count",
			env:  map[string]string{EnvVar(KeyWorkers): "AUTO"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.Workers.Count.Auto {
					t.Errorf("Workers.Count = %v, want auto", cfg.Workers.Count)
				}
			},
		},
		{
			name: "otlp endpoint enables telemetry",
			env:  map[string]string{EnvVar(KeyOTLPEndpoint): "collector:4318"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter.Type != ExporterTypeOTLP {
					t.Errorf("Telemetry = %+v", cfg.Telemetry)
				}
			},
		},
		{
			name: "autoscaling toggle",
			env:  map[string]string{EnvVar(KeyAutoscaling): "true"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.Autoscaling.Enabled {
					t.Error("Autoscaling.Enabled = false, want true")
				}
			},
		},
		{
			name: "blank values are ignored",
			env:  map[string]string{EnvVar(KeyBindAddress): "  "},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.BindAddress != "0.0.0.0:9090" {
					t.Errorf("BindAddress = %q", cfg.Server.BindAddress)
				}
			},
		},
		{name: "bad worker count", env: map[string]string{EnvVar(KeyWorkers): "many"}, wantErr: true},
		{name: "bad shutdown timeout", env: map[string]string{EnvVar(KeyShutdown): "soon"}, wantErr: true},
		{name: "bad max workers", env: map[string]string{EnvVar(KeyMaxWorkers): "x"}, wantErr: true},
		{name: "bad autoscaling toggle", env: map[string]string{EnvVar(KeyAutoscaling): "sometimes"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadDefault()
			if err != nil {
				t.Fatalf("LoadDefault() error = %v", err)
			}

			err = NewOverrides().Apply(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestApplyEnvFromProcess(t *testing.T) {
	t.Setenv("WPM_LOG_LEVEL", "debug")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestOverridesFlagBeatsEnvironment(t *testing.T) {
	t.Setenv(EnvVar(KeyLogLevel), "debug")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"flag not given", nil, "debug"},
		{"flag given", []string{"--log-level", "error"}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			flags.String("log-level", "", "")
			if err := flags.Parse(tt.args); err != nil {
				t.Fatal(err)
			}

			ov := NewOverrides()
			if err := ov.BindFlag(KeyLogLevel, flags.Lookup("log-level")); err != nil {
				t.Fatalf("BindFlag() error = %v", err)
			}
			cfg, err := LoadDefault()
			if err != nil {
				t.Fatalf("LoadDefault() error = %v", err)
			}
			if err := ov.Apply(cfg); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if cfg.Logging.Level != tt.want {
				t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, tt.want)
			}
		})
	}

	if err := NewOverrides().BindFlag(KeyLogLevel, nil); err == nil {
		t.Error("BindFlag(nil) should fail")
	}
}
