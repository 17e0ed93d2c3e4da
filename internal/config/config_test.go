package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.RegisterCount != 4 || cfg.StorageBackend != StorageLocal {
		testContext.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.Transport.PingInterval != 15*time.Second || cfg.Transport.PongTimeout != 40*time.Second {
		testContext.Fatalf("unexpected transport defaults %#v", cfg.Transport)
	}
	if cfg.Uploads.MaxFileBytes != 1<<30 || cfg.EnvelopeMaxBytes != 4<<20 {
		testContext.Fatalf("unexpected size defaults %#v", cfg)
	}
	if cfg.Location == nil || cfg.Location.String() != "UTC" {
		testContext.Fatalf("unexpected location %v", cfg.Location)
	}
	if cfg.TLSEnabled() {
		testContext.Fatalf("tls must be disabled by default")
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("CHRONOSYNC_REGISTERS_COUNT", "6")
	testContext.Setenv("CHRONOSYNC_TRANSPORT_PING_INTERVAL", "5s")
	testContext.Setenv("CHRONOSYNC_TRANSPORT_PONG_TIMEOUT", "12s")
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.RegisterCount != 6 || cfg.Transport.PingInterval != 5*time.Second || cfg.Transport.PongTimeout != 12*time.Second {
		testContext.Fatalf("environment not applied: %#v", cfg)
	}
}

func TestLoadRejectsInvalidValues(testContext *testing.T) {
	for _, testCase := range []struct {
		name     string
		key      string
		value    any
		expected string
	}{
		{name: "pong timeout too short", key: "transport.pong_timeout", value: 20 * time.Second, expected: "pong_timeout"},
		{name: "unknown backend", key: "storage.backend", value: "ftp", expected: "storage.backend"},
		{name: "s3 without endpoint", key: "storage.backend", value: "s3", expected: "s3.endpoint"},
		{name: "no registers", key: "registers.count", value: 0, expected: "registers.count"},
		{name: "half tls", key: "tls.cert_file", value: "cert.pem", expected: "tls"},
		{name: "unknown log format", key: "log.format", value: "xml", expected: "log.format"},
		{name: "bad timezone", key: "timemap.timezone", value: "Mars/Olympus", expected: "timemap.timezone"},
	} {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.expected, err)
			}
		})
	}
}
