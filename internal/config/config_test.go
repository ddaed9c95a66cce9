package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("clinic-api")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.StoreDriver != StorePostgres {
		t.Errorf("StoreDriver = %q, want postgres", cfg.StoreDriver)
	}
	if cfg.Queue.MinutesPerPatient != 15 || cfg.Queue.DefaultDailyCapacity != 50 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", cfg.Location)
	}
	if cfg.Kafka.ConsumerGroup != "clinic-api" {
		t.Errorf("ConsumerGroup = %q, want service name", cfg.Kafka.ConsumerGroup)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("API_KEYS", "k1:front-desk, k2 ,")
	t.Setenv("CLINIC_TIMEZONE", "Asia/Kolkata")
	t.Setenv("MINUTES_PER_PATIENT", "10")
	t.Setenv("SWEEP_OFFSET", "30s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACE_SAMPLE_RATE", "0.25")

	cfg, err := Load("clinic-api")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9090" || cfg.StoreDriver != StoreMemory {
		t.Errorf("Port %q StoreDriver %q", cfg.Port, cfg.StoreDriver)
	}
	if cfg.APIKeys["k1"] != "front-desk" || cfg.APIKeys["k2"] != "default" || len(cfg.APIKeys) != 2 {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.Location.String() != "Asia/Kolkata" {
		t.Errorf("Location = %v", cfg.Location)
	}
	if cfg.Queue.MinutesPerPatient != 10 || cfg.Queue.SweepOffset != 30*time.Second {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SampleRate != 0.25 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad int", map[string]string{"MINUTES_PER_PATIENT": "ten"}, "MINUTES_PER_PATIENT"},
		{"zero minutes", map[string]string{"MINUTES_PER_PATIENT": "0"}, "MINUTES_PER_PATIENT must be positive"},
		{"bad duration", map[string]string{"RATE_LIMIT_WINDOW": "soon"}, "RATE_LIMIT_WINDOW"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}, "unknown STORE_DRIVER"},
		{"bad timezone", map[string]string{"CLINIC_TIMEZONE": "Mars/Olympus"}, "CLINIC_TIMEZONE"},
		{"sample rate", map[string]string{"TRACE_SAMPLE_RATE": "2"}, "TRACE_SAMPLE_RATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("clinic-api")
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
