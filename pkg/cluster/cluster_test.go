package cluster

import "testing"

func TestQueuePressureDelta_Thresholds(t *testing.T) {
	cases := []struct {
		name           string
		queueDepth     int
		currentWorkers int
		consecutiveLow int
		wantDelta      int
		wantLow        bool
	}{
		{"surge", 600, 20, 0, 50, false},
		{"high", 250, 20, 0, 25, false},
		{"elevated", 150, 20, 0, 15, false},
		{"moderate", 75, 20, 0, 5, false},
		{"low first round", 5, 40, 0, 0, true},
		{"low second round still no shrink", 5, 40, 1, 0, true},
		{"low third round shrinks", 5, 40, 2, -10, true},
		{"low shrink capped to quarter when small", 5, 20, 2, -5, true},
		{"steady", 30, 20, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delta, low := queuePressureDelta(tc.queueDepth, tc.currentWorkers, tc.consecutiveLow)
			if delta != tc.wantDelta || low != tc.wantLow {
				t.Errorf("queuePressureDelta(%d, %d, %d) = (%d, %v), want (%d, %v)",
					tc.queueDepth, tc.currentWorkers, tc.consecutiveLow, delta, low, tc.wantDelta, tc.wantLow)
			}
		})
	}
}

func TestClusterCapacity_CapsAtMaxWorkers(t *testing.T) {
	if got := clusterCapacity(10, 100, 50); got != 50 {
		t.Errorf("clusterCapacity(10, 100, 50) = %d, want 50 (capped)", got)
	}
	if got := clusterCapacity(2, 100, 50); got != 20 {
		t.Errorf("clusterCapacity(2, 100, 50) = %d, want 20", got)
	}
	if got := clusterCapacity(0, 100, 50); got != 0 {
		t.Errorf("clusterCapacity(0, 100, 50) = %d, want 0", got)
	}
}

func TestLocalShare_DistributesRemainderToFirstInstances(t *testing.T) {
	// target=10, 3 instances -> base=3, remainder=1 -> positions 0 gets 4, others 3.
	if got := localShare(10, 3, 0); got != 4 {
		t.Errorf("localShare(10, 3, 0) = %d, want 4", got)
	}
	if got := localShare(10, 3, 1); got != 3 {
		t.Errorf("localShare(10, 3, 1) = %d, want 3", got)
	}
	if got := localShare(10, 3, 2); got != 3 {
		t.Errorf("localShare(10, 3, 2) = %d, want 3", got)
	}
}

func TestLocalShare_SingleInstanceGetsFullTarget(t *testing.T) {
	if got := localShare(7, 1, 0); got != 7 {
		t.Errorf("localShare(7, 1, 0) = %d, want 7", got)
	}
}

func TestLocalShare_ZeroInstancesFallsBackToTarget(t *testing.T) {
	if got := localShare(7, 0, -1); got != 7 {
		t.Errorf("localShare(7, 0, -1) = %d, want 7 (fallback)", got)
	}
}
