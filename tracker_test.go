package tcmu

import "testing"

func TestAIOTrackerStartFinish(t *testing.T) {
	var tr AIOTracker

	tr.TrackStart()
	if tr.InFlight() != 1 {
		t.Fatalf("InFlight() = %d, want 1", tr.InFlight())
	}

	tr.TrackStart()
	if idle := tr.TrackFinish(); idle {
		t.Fatalf("TrackFinish() idle = true with one command still in flight")
	}
	if tr.InFlight() != 1 {
		t.Fatalf("InFlight() = %d, want 1", tr.InFlight())
	}

	if idle := tr.TrackFinish(); !idle {
		t.Fatalf("TrackFinish() idle = false, want true once the tracker reaches zero")
	}
	if tr.InFlight() != 0 {
		t.Fatalf("InFlight() = %d, want 0", tr.InFlight())
	}
}

func TestAIOTrackerFinishWithoutStartPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("TrackFinish() on an empty tracker did not panic")
		}
	}()
	var tr AIOTracker
	tr.TrackFinish()
}
