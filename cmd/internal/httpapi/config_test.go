package httpapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_HumanizedSizes(t *testing.T) {
	t.Setenv("STUDYMATE_API_MAX_BODY", "64KiB")
	t.Setenv("STUDYMATE_API_MAX_UPLOAD", "10 MB")
	t.Setenv("STUDYMATE_API_UPLOADS_PER_MINUTE", "5")
	t.Setenv("STUDYMATE_API_UPLOAD_BURST", "nope")

	cfg := LoadConfigFromEnv()
	if cfg.MaxBodyBytes != 64<<10 {
		t.Fatalf("MaxBodyBytes=%d", cfg.MaxBodyBytes)
	}
	if cfg.MaxUploadBytes != 10_000_000 {
		t.Fatalf("MaxUploadBytes=%d", cfg.MaxUploadBytes)
	}
	if cfg.UploadsPerMinute != 5 {
		t.Fatalf("UploadsPerMinute=%d", cfg.UploadsPerMinute)
	}
	if cfg.UploadBurst != DefaultConfig().UploadBurst {
		t.Fatalf("invalid burst should fall back, got %d", cfg.UploadBurst)
	}
}

func TestLoadConfigFromEnv_RejectsZeroSize(t *testing.T) {
	t.Setenv("STUDYMATE_API_MAX_UPLOAD", "0B")
	if got := LoadConfigFromEnv().MaxUploadBytes; got != DefaultConfig().MaxUploadBytes {
		t.Fatalf("MaxUploadBytes=%d", got)
	}
}

func TestUploadLimiter_RefillsPerUser(t *testing.T) {
	t.Parallel()

	l := newUploadLimiter(60, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("alice", now); !ok {
			t.Fatalf("upload %d should pass", i)
		}
	}
	ok, retry := l.allow("alice", now)
	if ok || retry <= 0 || retry > time.Second {
		t.Fatalf("third upload ok=%v retry=%v", ok, retry)
	}
	if ok, _ := l.allow("bob", now); !ok {
		t.Fatalf("bob should have a separate bucket")
	}
	if ok, _ := l.allow("alice", now.Add(time.Second)); !ok {
		t.Fatalf("bucket should refill after a second")
	}
}
