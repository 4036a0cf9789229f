package httpapi

import (
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Config controls REST limits.
type Config struct {
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64
	// MaxUploadBytes bounds a whole multipart upload request.
	MaxUploadBytes int64

	// Uploads per user: sustained rate per minute and burst.
	UploadsPerMinute int
	UploadBurst      int
}

func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:     1 << 20,
		MaxUploadBytes:   26 << 20,
		UploadsPerMinute: 30,
		UploadBurst:      10,
	}
}

// LoadConfigFromEnv loads API config from STUDYMATE_API_* with safe defaults.
// Byte sizes accept humanized values such as "1MB" or "26MiB".
func LoadConfigFromEnv() Config {
	d := DefaultConfig()
	return Config{
		MaxBodyBytes:     envBytes("STUDYMATE_API_MAX_BODY", d.MaxBodyBytes),
		MaxUploadBytes:   envBytes("STUDYMATE_API_MAX_UPLOAD", d.MaxUploadBytes),
		UploadsPerMinute: envInt("STUDYMATE_API_UPLOADS_PER_MINUTE", d.UploadsPerMinute),
		UploadBurst:      envInt("STUDYMATE_API_UPLOAD_BURST", d.UploadBurst),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.UploadsPerMinute <= 0 {
		c.UploadsPerMinute = d.UploadsPerMinute
	}
	if c.UploadBurst <= 0 {
		c.UploadBurst = d.UploadBurst
	}
	return c
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envBytes(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := humanize.ParseBytes(v)
	if err != nil || n == 0 || n > 1<<40 {
		return def
	}
	return int64(n)
}
