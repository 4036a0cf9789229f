package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersOnInjectedRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHTTP("GET", "success", 5*time.Millisecond)
	m.Push("sent")
	m.Push("sent")
	m.Push("failed")

	if got := testutil.ToFloat64(m.PushesTotal.WithLabelValues("sent")); got != 2 {
		t.Fatalf("sent=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "success")); got != 1 {
		t.Fatalf("http=%v want 1", got)
	}

	// A second instance on its own registry must not collide.
	_ = New(prometheus.NewRegistry())
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ConnOpened()
	m.ConnClosed()
	m.WSEvent("sendMessage", "ok")
	m.AttachmentPrepared("ok", 10)
	m.Scheduled("delivered")
	m.PushQueueDepth(3)
}
