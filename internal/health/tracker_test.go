package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-relay/internal/kv"
)

const testWindow = 10 * time.Second

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kv.New(client)
	ids := []string{"provider1", "provider2", "provider3"}
	return NewTracker(store, zap.NewNop(), testWindow, 0.7, 10, ids), mr
}

func mustBeHealthy(t *testing.T, tr *Tracker, id string, want bool) {
	t.Helper()
	healthy, err := tr.IsHealthy(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if healthy != want {
		t.Fatalf("IsHealthy(%s) = %v, want %v", id, healthy, want)
	}
}

func TestHealthyWithNoData(t *testing.T) {
	tr, _ := newTestTracker(t)
	mustBeHealthy(t, tr, "provider1", true)
}

func TestFailuresBelowFloorStayHealthy(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if err := tr.RecordFailure(ctx, "provider1"); err != nil {
			t.Fatal(err)
		}
	}

	mustBeHealthy(t, tr, "provider1", true)
}

func TestThresholdTripsUnhealthy(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.RecordSuccess(ctx, "provider1")
	}
	for i := 0; i < 7; i++ {
		if err := tr.RecordFailure(ctx, "provider1"); err != nil {
			t.Fatal(err)
		}
	}

	mustBeHealthy(t, tr, "provider1", false)
	mustBeHealthy(t, tr, "provider2", true)
}

func TestFlagIsStickyAgainstRecovery(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tr.RecordFailure(ctx, "provider1")
	}
	mustBeHealthy(t, tr, "provider1", false)

	for i := 0; i < 100; i++ {
		tr.RecordSuccess(ctx, "provider1")
	}

	mustBeHealthy(t, tr, "provider1", false)
}

func TestFlagPersistsAtHalfWindow(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tr.RecordFailure(ctx, "provider1")
	}

	mr.FastForward(testWindow / 2)
	mustBeHealthy(t, tr, "provider1", false)
}

func TestFlagExpiresWithWindow(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tr.RecordFailure(ctx, "provider1")
	}
	mustBeHealthy(t, tr, "provider1", false)

	mr.FastForward(testWindow + time.Second)
	mustBeHealthy(t, tr, "provider1", true)

	// Counters expired with the window too.
	st, err := tr.Status(ctx, "provider1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Failure != 0 || st.Success != 0 {
		t.Errorf("counters after expiry = %d/%d, want 0/0", st.Success, st.Failure)
	}
}

func TestResetClearsImmediately(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tr.RecordFailure(ctx, "provider1")
	}
	mustBeHealthy(t, tr, "provider1", false)

	if err := tr.Reset(ctx, "provider1"); err != nil {
		t.Fatal(err)
	}

	mustBeHealthy(t, tr, "provider1", true)
	st, err := tr.Status(ctx, "provider1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 0 {
		t.Errorf("total after reset = %d, want 0", st.Total)
	}
}

func TestStatusReportsCountersAndFlagTTL(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.RecordSuccess(ctx, "provider1")
	}
	for i := 0; i < 9; i++ {
		tr.RecordFailure(ctx, "provider1")
	}

	st, err := tr.Status(ctx, "provider1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Success != 3 || st.Failure != 9 || st.Total != 12 {
		t.Errorf("counters = %d/%d (total %d), want 3/9 (12)", st.Success, st.Failure, st.Total)
	}
	if st.Healthy {
		t.Error("status healthy, want unhealthy at ratio 0.75")
	}
	if st.FailureRatio != 0.75 {
		t.Errorf("failure_ratio = %v, want 0.75", st.FailureRatio)
	}
	if st.UnhealthySecondsLeft <= 0 || st.UnhealthySecondsLeft > testWindow.Seconds() {
		t.Errorf("unhealthy_seconds_left = %v, want in (0, %v]", st.UnhealthySecondsLeft, testWindow.Seconds())
	}
}

func TestStatusAllFollowsRegistryOrder(t *testing.T) {
	tr, _ := newTestTracker(t)

	statuses, err := tr.StatusAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses length = %d, want 3", len(statuses))
	}
	for i, want := range []string{"provider1", "provider2", "provider3"} {
		if statuses[i].ProviderID != want {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i].ProviderID, want)
		}
	}
}
