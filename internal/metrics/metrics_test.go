package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionAccepted()
	m.RecordSessionAccepted()
	m.RecordSessionClosed()

	active := testutil.ToFloat64(m.SessionsActive)
	if active != 1 {
		t.Errorf("SessionsActive = %v, want 1", active)
	}

	total := testutil.ToFloat64(m.SessionsTotal)
	if total != 2 {
		t.Errorf("SessionsTotal = %v, want 2", total)
	}
}

func TestRecordSessionError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionError("malformed")
	m.RecordSessionError("timeout")
	m.RecordSessionError("malformed")

	malformed := testutil.ToFloat64(m.SessionErrors.WithLabelValues("malformed"))
	if malformed != 2 {
		t.Errorf("SessionErrors[malformed] = %v, want 2", malformed)
	}

	timeout := testutil.ToFloat64(m.SessionErrors.WithLabelValues("timeout"))
	if timeout != 1 {
		t.Errorf("SessionErrors[timeout] = %v, want 1", timeout)
	}
}

func TestRecordAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthFailure()
	m.RecordAuthFailure()
	m.RecordAuthMethod("no-auth")
	m.RecordAuthMethod("user-pass")
	m.RecordAuthMethod("no-auth")

	failures := testutil.ToFloat64(m.AuthFailures)
	if failures != 2 {
		t.Errorf("AuthFailures = %v, want 2", failures)
	}

	noAuth := testutil.ToFloat64(m.AuthMethodChosen.WithLabelValues("no-auth"))
	if noAuth != 2 {
		t.Errorf("AuthMethodChosen[no-auth] = %v, want 2", noAuth)
	}
}

func TestRecordConnectPath(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectLatency(0.05)
	m.RecordConnectLatency(0.1)
	m.RecordDialError("host_unreachable")
	m.RecordReply("succeeded")
	m.RecordReply("succeeded")
	m.RecordReply("cmd_unsupported")

	dialErrors := testutil.ToFloat64(m.DialErrors.WithLabelValues("host_unreachable"))
	if dialErrors != 1 {
		t.Errorf("DialErrors[host_unreachable] = %v, want 1", dialErrors)
	}

	succeeded := testutil.ToFloat64(m.Replies.WithLabelValues("succeeded"))
	if succeeded != 2 {
		t.Errorf("Replies[succeeded] = %v, want 2", succeeded)
	}
}

func TestRecordBytesRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed("client_to_upstream", 1000)
	m.RecordBytesRelayed("client_to_upstream", 500)
	m.RecordBytesRelayed("upstream_to_client", 2000)
	m.RecordBytesRelayed("client_to_upstream", 0)
	m.RecordBytesRelayed("client_to_upstream", -5)

	c2u := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("client_to_upstream"))
	if c2u != 1500 {
		t.Errorf("BytesRelayed[client_to_upstream] = %v, want 1500", c2u)
	}

	u2c := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("upstream_to_client"))
	if u2c != 2000 {
		t.Errorf("BytesRelayed[upstream_to_client] = %v, want 2000", u2c)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
