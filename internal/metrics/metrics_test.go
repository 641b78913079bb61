package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.JobTransition("pending", "queued")
	m.SetRobots(map[string]int{"online": 1})
	m.SessionOpened("robot")
}

func TestMetrics_Counters(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.JobTransition("pending", "queued")
	m.JobTransition("pending", "queued")
	m.DLQ("added", 3)
	m.DLQ("added", 0)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("pending", "queued")); got != 2 {
		t.Errorf("got %v transitions, want 2", got)
	}
	if got := testutil.ToFloat64(m.dlq.WithLabelValues("added")); got != 3 {
		t.Errorf("got %v dlq adds, want 3", got)
	}
}

func TestMetrics_SetRobotsResets(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.SetRobots(map[string]int{"online": 2, "busy": 1})
	m.SetRobots(map[string]int{"online": 1})

	if got := testutil.ToFloat64(m.robots.WithLabelValues("online")); got != 1 {
		t.Errorf("got online=%v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.robots); got != 1 {
		t.Errorf("got %d series, want 1 after reset", got)
	}
}

func TestMustNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNew(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	MustNew(reg)
}
