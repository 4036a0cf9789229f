package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultPingInterval = 25 * time.Second
	wsDefaultPingTimeout  = 5 * time.Second
	wsMaxPingFailures     = 3

	// Per-connection inbound events: sustained rate and burst.
	wsDefaultRatePerSec = 12.0
	wsDefaultRateBurst  = 40

	// Inline files arrive base64-encoded inside a frame.
	wsDefaultMaxFrameBytes = 8 << 20

	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig is the transport policy of the WebSocket endpoint.
type GatewayConfig struct {
	// DevInsecure disables the library origin check. Development only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	PingInterval    time.Duration
	PingTimeout     time.Duration

	RatePerSecond float64
	RateBurst     int

	MaxFrameBytes int64
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:  wsDefaultOriginRequired,
		AllowedOrigins:  splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:    wsDefaultWriteTimeout,
		ReadIdleTimeout: wsDefaultReadIdle,
		PingInterval:    wsDefaultPingInterval,
		PingTimeout:     wsDefaultPingTimeout,
		RatePerSecond:   wsDefaultRatePerSec,
		RateBurst:       wsDefaultRateBurst,
		MaxFrameBytes:   wsDefaultMaxFrameBytes,
	}
}

// LoadGatewayConfigFromEnv reads STUDYMATE_WS_* variables over the defaults.
// Invalid values fall back to the default.
func LoadGatewayConfigFromEnv() GatewayConfig {
	d := DefaultGatewayConfig()
	return GatewayConfig{
		DevInsecure:     envOr("STUDYMATE_WS_DEV_INSECURE", false, parseBool),
		OriginRequired:  envOr("STUDYMATE_WS_ORIGIN_REQUIRED", d.OriginRequired, parseBool),
		AllowedOrigins:  splitCSV(envOr("STUDYMATE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins, func(v string) (string, bool) { return v, true })),
		WriteTimeout:    envOr("STUDYMATE_WS_WRITE_TIMEOUT", d.WriteTimeout, parsePositiveDuration),
		ReadIdleTimeout: envOr("STUDYMATE_WS_READ_IDLE_TIMEOUT", d.ReadIdleTimeout, parsePositiveDuration),
		PingInterval:    envOr("STUDYMATE_WS_PING_INTERVAL", d.PingInterval, parsePositiveDuration),
		PingTimeout:     envOr("STUDYMATE_WS_PING_TIMEOUT", d.PingTimeout, parsePositiveDuration),
		RatePerSecond:   envOr("STUDYMATE_WS_RATE_PER_SEC", d.RatePerSecond, parsePositiveFloat),
		RateBurst:       envOr("STUDYMATE_WS_RATE_BURST", d.RateBurst, parsePositiveInt),
		MaxFrameBytes:   int64(envOr("STUDYMATE_WS_MAX_FRAME_BYTES", int(d.MaxFrameBytes), parsePositiveInt)),
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}

// envOr parses key with parse and keeps def when the variable is unset or
// rejected.
func envOr[T any](key string, def T, parse func(string) (T, bool)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if out, ok := parse(v); ok {
		return out
	}
	return def
}

func parseBool(v string) (bool, bool) {
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func parsePositiveInt(v string) (int, bool) {
	n, err := strconv.Atoi(v)
	return n, err == nil && n > 0
}

func parsePositiveFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil && f > 0
}

func parsePositiveDuration(v string) (time.Duration, bool) {
	d, err := time.ParseDuration(v)
	return d, err == nil && d > 0
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
