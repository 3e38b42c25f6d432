package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transition("deposit_verified", "OPEN_FOR_PROPOSALS")
	m.Transition("deposit_verified", "OPEN_FOR_PROPOSALS")
	m.RailCall("card", "verify", "verified", 20*time.Millisecond)
	m.StakeSlashed(45, true)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("deposit_verified", "OPEN_FOR_PROPOSALS")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.stakeAnomalies); got != 1 {
		t.Fatalf("expected 1 anomaly, got %v", got)
	}
	if got := testutil.ToFloat64(m.slashed); got != 45 {
		t.Fatalf("expected 45 slashed, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("create", "DRAFT")
	m.RailCall("card", "verify", "pending", time.Second)
	m.Outbox("bounty.transitioned", "delivered")
	m.StaleIntents(3)
}
