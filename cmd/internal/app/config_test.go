package app

import (
	"strings"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STUDYMATE_ATTACHMENT_MAX_SIZE", "")
	t.Setenv("STUDYMATE_REDIS_ADDR", "")

	cfg := LoadConfig()
	if cfg.AttachmentMaxSize != 25<<20 {
		t.Fatalf("attachment max size: got %d", cfg.AttachmentMaxSize)
	}
	if cfg.RedisAddrs != nil {
		t.Fatalf("expected no redis addrs, got %v", cfg.RedisAddrs)
	}
	if !cfg.PushLogOnly {
		t.Fatalf("push should default to log-only")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestEnvBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{in: "", want: 7},
		{in: "512KiB", want: 512 << 10},
		{in: "10 MB", want: 10_000_000},
		{in: "lots", want: 7},
		{in: "0", want: 7},
	}
	for _, tc := range cases {
		t.Setenv("STUDYMATE_TEST_BYTES", tc.in)
		if got := EnvBytes("STUDYMATE_TEST_BYTES", 7); got != tc.want {
			t.Fatalf("EnvBytes(%q)=%d want=%d", tc.in, got, tc.want)
		}
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("STUDYMATE_TEST_CSV", " redis-a:6379, ,redis-b:6379 ")
	got := EnvCSV("STUDYMATE_TEST_CSV")
	if len(got) != 2 || got[0] != "redis-a:6379" || got[1] != "redis-b:6379" {
		t.Fatalf("EnvCSV: %q", got)
	}
}

func TestConfigValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Config{
		HTTPAddr:            " ",
		LogFormat:           "xml",
		AttachmentSweepCron: "every minute",
		DatabaseURL:         "postgres://localhost/studymate",
		DBSchema:            "bad schema;",
	}
	cfg.S3.Endpoint = "minio:9000"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"STUDYMATE_HTTP_ADDR",
		"STUDYMATE_LOG_FORMAT",
		"STUDYMATE_ATTACHMENT_SWEEP_CRON",
		"STUDYMATE_DB_SCHEMA",
		"STUDYMATE_S3_BUCKET",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q should mention %s", msg, want)
		}
	}
}
