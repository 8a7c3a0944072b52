package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/localcomm/shmrpc/rpc"
)

func TestObserveCallCountsSuccessAndError(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveCall("echo", 5*time.Millisecond, nil)
	c.ObserveCall("echo", 5*time.Millisecond, rpc.ErrNotFound)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	counts := countersByName(mfs)
	if counts["shmrpc_calls_total"] != 2 {
		t.Fatalf("calls_total = %v, want 2", counts["shmrpc_calls_total"])
	}
	if counts["shmrpc_call_errors_total"] != 1 {
		t.Fatalf("call_errors_total = %v, want 1", counts["shmrpc_call_errors_total"])
	}
}

func TestWrapHandlerRecordsLatencyAndErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	ok := c.WrapHandler("echo", func(b []byte) ([]byte, error) { return b, nil })
	bad := c.WrapHandler("echo", func(b []byte) ([]byte, error) { return nil, rpc.ErrProtocol })

	if _, err := ok([]byte("x")); err != nil {
		t.Fatalf("wrapped ok handler: %v", err)
	}
	if _, err := bad([]byte("x")); err == nil {
		t.Fatal("expected wrapped handler to propagate the error")
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	counts := countersByName(mfs)
	if counts["shmrpc_call_errors_total"] != 1 {
		t.Fatalf("call_errors_total = %v, want 1", counts["shmrpc_call_errors_total"])
	}
}

func countersByName(mfs []*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64)
	for _, mf := range mfs {
		var sum float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				sum += float64(h.GetSampleCount())
			}
		}
		out[mf.GetName()] = sum
	}
	return out
}
