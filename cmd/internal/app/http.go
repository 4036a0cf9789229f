package app

import (
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes assembles the top-level handler. The WebSocket endpoint enforces its
// own origin policy, so CORS wraps only the REST and probe routes.
func (a *App) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	api.HandleFunc("GET /readyz", a.handleReady)
	api.Handle("GET "+a.cfg.MetricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	a.api.Register(api)

	root := http.NewServeMux()
	root.Handle(a.cfg.WSPath, a.ws)
	root.Handle("/", WithCORS(api, a.cfg, a.log))

	return WithRequestLogging(WithSecurityHeaders(root), a.log, a.metrics)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	timeout := nonZeroDuration(a.cfg.ReadinessPingTimeout, 2*a.cfg.ReadHeaderTimeout)
	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, timeout); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.redis != nil {
		if err := PingRedis(r.Context(), a.redis, timeout); err != nil {
			a.log.Info("readyz.redis.not_ready", "err", err)
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
