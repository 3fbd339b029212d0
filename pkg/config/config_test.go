package config

import (
	"testing"
	"time"
)

func TestNewPopulatesDefaults(t *testing.T) {
	cfg := New()

	if cfg.Server.Port != 8080 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("Server = %+v", cfg.Server)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Broker.Addr != "localhost:6379" || cfg.Broker.Namespace != "medpipe" {
		t.Fatalf("Broker = %+v", cfg.Broker)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("Scheduler.Workers = %d, want 4", cfg.Scheduler.Workers)
	}
}

func TestSchedulerConfigDurationAccessors(t *testing.T) {
	s := SchedulerConfig{
		JobTimeoutSeconds:     1800,
		StepTimeoutSeconds:    300,
		HeartbeatSeconds:      60,
		StaleThresholdMinutes: 60,
		JobRetentionDays:      7,
		ResultRetentionDays:   90,
	}

	cases := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"JobTimeout", s.JobTimeout(), 30 * time.Minute},
		{"StepTimeout", s.StepTimeout(), 5 * time.Minute},
		{"Heartbeat", s.Heartbeat(), time.Minute},
		{"StaleThreshold", s.StaleThreshold(), time.Hour},
		{"JobRetention", s.JobRetention(), 7 * 24 * time.Hour},
		{"ResultRetention", s.ResultRetention(), 90 * 24 * time.Hour},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
			}
		})
	}
}

func TestConfigNormalizeRestoresDefaultWorkerCount(t *testing.T) {
	cfg := &Config{Scheduler: SchedulerConfig{Workers: 0}}
	cfg.normalize()
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("Workers = %d, want 4 after normalize", cfg.Scheduler.Workers)
	}
}

func TestDatabaseConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "medpipe", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=medpipe sslmode=disable"
	if got := d.ConnectionString(); got != want {
		t.Fatalf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestApplyDatabaseURLOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@host/db")
	cfg := New()
	applyDatabaseURLOverride(cfg)
	if cfg.Database.DSN != "postgres://u:p@host/db" {
		t.Fatalf("Database.DSN = %q", cfg.Database.DSN)
	}
}
