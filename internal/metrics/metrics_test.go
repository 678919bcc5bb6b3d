package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if tasksDispatchedTotal == nil || resultsAppliedTotal == nil || busyWorkers == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDispatchAndResult(t *testing.T) {
	ObserveDispatch("try_join")
	ObserveDispatch("try_join")
	ObserveResult("join_success", OutcomeApplied)

	if val := testutil.ToFloat64(tasksDispatchedTotal.WithLabelValues("try_join")); val != 2 {
		t.Errorf("expected 2 try_join dispatches, got %f", val)
	}
	if val := testutil.ToFloat64(resultsAppliedTotal.WithLabelValues("join_success", OutcomeApplied)); val != 1 {
		t.Errorf("expected 1 applied join_success, got %f", val)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	SetBusyWorkers(3)
	if val := testutil.ToFloat64(busyWorkers); val != 3 {
		t.Errorf("expected busy workers 3, got %f", val)
	}

	before := testutil.ToFloat64(messagesCollectedTotal)
	AddMessagesCollected(4)
	AddMessagesCollected(0)
	if val := testutil.ToFloat64(messagesCollectedTotal); val != before+4 {
		t.Errorf("expected messages collected to grow by 4, got %f", val-before)
	}

	SetGroupsByState(map[string]int{"inside": 7})
	if val := testutil.ToFloat64(groupsByState.WithLabelValues("inside")); val != 7 {
		t.Errorf("expected 7 inside groups, got %f", val)
	}

	ObserveCandidate("http", true)
	if val := testutil.ToFloat64(candidatesTotal.WithLabelValues("http", "true")); val < 1 {
		t.Errorf("expected candidate counter to be incremented, got %f", val)
	}

	ObserveRateLimitWait("check_updates", 30*time.Second)
	if val := testutil.CollectAndCount(rateLimitWaitSeconds); val <= 0 {
		t.Errorf("expected rate limit histogram to be observed, got %d", val)
	}
}
