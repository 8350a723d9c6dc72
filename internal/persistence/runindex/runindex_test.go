package runindex

import (
	"path/filepath"
	"testing"

	"warebot.ai/internal/grid"
	"warebot.ai/internal/sim"
)

func TestQueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: sim.TickRecord{Tick: 1}}

	logger := s.TickLogger("r-1")
	_ = logger.WriteTick(sim.TickRecord{Tick: 2})
	s.RecordRun(RunRow{RunID: "r-1"})

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropRunTotal != 1 {
		t.Fatalf("DropRunTotal=%d want=1", st.DropRunTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	idx, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	logger := idx.TickLogger("r-1")
	recs := []sim.TickRecord{
		{Tick: 0, Root: true, Pos: grid.Position{X: 1, Y: 1}, Facing: "east", Holding: true, Status: "RUNNING", Digest: "d0"},
		{Tick: 1, Root: true, Pos: grid.Position{X: 2, Y: 1}, Facing: "east", Holding: true, Status: "RUNNING", Digest: "d1"},
		{Tick: 2, Root: true, Pos: grid.Position{X: 2, Y: 1}, Facing: "north", Holding: true, Status: "RUNNING", Digest: "d2"},
	}
	for _, rec := range recs {
		if err := logger.WriteTick(rec); err != nil {
			t.Fatalf("write tick: %v", err)
		}
	}
	idx.RecordRun(RunRow{
		RunID:     "r-1",
		Scenario:  "warehouse",
		StartedAt: "2025-06-01T12:00:00Z",
		Status:    "RUNNING",
	})
	idx.RecordRun(RunRow{
		RunID:     "r-1",
		Scenario:  "warehouse",
		StartedAt: "2025-06-01T12:00:00Z",
		Status:    "DELIVERED",
		Ticks:     3,
		Delivered: true,
	})

	// Close drains the queue and commits everything.
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	runs, err := idx.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.RunID != "r-1" || run.Status != "DELIVERED" || !run.Delivered || run.Ticks != 3 {
		t.Fatalf("run row: got %+v", run)
	}

	ticks, err := idx.TicksForRun("r-1", 0, 100)
	if err != nil {
		t.Fatalf("ticks: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("got %d ticks, want 3", len(ticks))
	}
	for i, rec := range ticks {
		if rec.Tick != recs[i].Tick || rec.Pos != recs[i].Pos || rec.Digest != recs[i].Digest {
			t.Fatalf("tick %d: got %+v want %+v", i, rec, recs[i])
		}
	}

	page, err := idx.TicksForRun("r-1", 2, 100)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 1 || page[0].Tick != 2 || page[0].Facing != "north" {
		t.Fatalf("page: got %+v", page)
	}
}

func TestWriteAfterCloseIsIgnored(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := idx.TickLogger("r-1").WriteTick(sim.TickRecord{Tick: 0}); err != nil {
		t.Fatalf("write after close should be a silent no-op, got %v", err)
	}
	idx.RecordRun(RunRow{RunID: "r-1"})
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
