package sim

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"warebot.ai/internal/botproto"
	"warebot.ai/internal/grid"
	"warebot.ai/internal/persistence/checkpoint"
	"warebot.ai/internal/scenario"
)

func boxedScenario() scenario.Scenario {
	// The target sits inside a closed ring, so no policy can deliver
	// and only the tick cap ends the run.
	return scenario.Scenario{
		Name:   "boxed",
		Start:  grid.Position{X: 0, Y: 0},
		Facing: "east",
		Target: grid.Position{X: 3, Y: 3},
		Obstacles: []grid.Position{
			{X: 2, Y: 2}, {X: 3, Y: 2}, {X: 4, Y: 2},
			{X: 2, Y: 3}, {X: 4, Y: 3},
			{X: 2, Y: 4}, {X: 3, Y: 4}, {X: 4, Y: 4},
		},
		MaxTicks: 40,
	}
}

func TestEngineDeliversWarehouse(t *testing.T) {
	e, err := New(Config{Scenario: scenario.Default()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.RunID() == "" {
		t.Fatalf("run id not assigned")
	}

	var last TickRecord
	for i := 0; i < 200; i++ {
		last = e.StepOnce()
		if Status(last.Status).Terminal() {
			break
		}
	}
	if last.Status != string(StatusDelivered) {
		t.Fatalf("status: got %s", last.Status)
	}
	if last.Tick != 20 {
		t.Fatalf("delivery tick: got %d want 20", last.Tick)
	}
	if last.Pos != (grid.Position{X: 6, Y: 6}) || last.Holding || !last.Delivered {
		t.Fatalf("final record: %+v", last)
	}
	if !last.Root {
		t.Fatalf("delivery evaluation should report a true root")
	}
	if e.CurrentTick() != 21 {
		t.Fatalf("tick counter: got %d want 21", e.CurrentTick())
	}

	// Terminal steps report the unchanged state without advancing.
	again := e.StepOnce()
	if again.Tick != 21 || again.Status != string(StatusDelivered) || again.Root {
		t.Fatalf("terminal step: %+v", again)
	}
	if e.CurrentTick() != 21 {
		t.Fatalf("terminal step advanced the counter to %d", e.CurrentTick())
	}
}

func TestEngineCapReached(t *testing.T) {
	e, err := New(Config{Scenario: boxedScenario()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var last TickRecord
	for i := 0; i < 100; i++ {
		last = e.StepOnce()
		if Status(last.Status).Terminal() {
			break
		}
	}
	if last.Status != string(StatusCapReached) {
		t.Fatalf("status: got %s", last.Status)
	}
	if last.Tick != 39 {
		t.Fatalf("cap tick: got %d want 39", last.Tick)
	}
	if last.Delivered {
		t.Fatalf("boxed target cannot be delivered")
	}
	if e.CurrentTick() != 40 {
		t.Fatalf("tick counter: got %d want 40", e.CurrentTick())
	}
}

type recordingTrace struct {
	recs []TickRecord
}

func (r *recordingTrace) WriteTick(rec TickRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}

func TestEngineWritesTrace(t *testing.T) {
	e, err := New(Config{Scenario: scenario.Default()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	trace := &recordingTrace{}
	e.SetTraceLogger(trace)

	var returned []TickRecord
	for i := 0; i < 200; i++ {
		rec := e.StepOnce()
		returned = append(returned, rec)
		if Status(rec.Status).Terminal() {
			break
		}
	}
	if len(trace.recs) != len(returned) {
		t.Fatalf("trace got %d records, step returned %d", len(trace.recs), len(returned))
	}
	for i := range returned {
		if trace.recs[i].Tick != returned[i].Tick || trace.recs[i].Digest != returned[i].Digest {
			t.Fatalf("record %d diverged: %+v vs %+v", i, trace.recs[i], returned[i])
		}
	}
	if len(trace.recs[0].Leaves) == 0 {
		t.Fatalf("records should carry leaf narration")
	}
}

func TestEngineCheckpointSink(t *testing.T) {
	sink := make(chan checkpoint.CheckpointV1, 16)
	e, err := New(Config{Scenario: scenario.Default(), CheckpointEvery: 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.SetCheckpointSink(sink)

	for i := 0; i < 200; i++ {
		if Status(e.StepOnce().Status).Terminal() {
			break
		}
	}
	close(sink)

	var ticks []uint64
	var last checkpoint.CheckpointV1
	for cp := range sink {
		ticks = append(ticks, cp.Tick)
		last = cp
	}
	want := []uint64{5, 10, 15, 20, 21}
	if len(ticks) != len(want) {
		t.Fatalf("checkpoint ticks %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("checkpoint ticks %v, want %v", ticks, want)
		}
	}
	if last.Status != string(StatusDelivered) || !last.Delivered {
		t.Fatalf("final checkpoint: %+v", last)
	}
	if last.Scenario.Name != "warehouse" {
		t.Fatalf("checkpoint should carry the scenario, got %q", last.Scenario.Name)
	}
}

func TestResumeContinuesIdentically(t *testing.T) {
	orig, err := New(Config{Scenario: scenario.Default()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 10; i++ {
		orig.StepOnce()
	}
	cp := orig.Checkpoint()
	if cp.Tick != 10 {
		t.Fatalf("checkpoint tick: got %d want 10", cp.Tick)
	}

	resumed, err := Resume(Config{}, cp)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.RunID() != orig.RunID() {
		t.Fatalf("resume changed run id: %s vs %s", resumed.RunID(), orig.RunID())
	}

	for i := 0; i < 50; i++ {
		a := orig.StepOnce()
		b := resumed.StepOnce()
		if a.Digest != b.Digest {
			t.Fatalf("tick %d: digests diverged\n  orig: %+v\n  resumed: %+v", a.Tick, a, b)
		}
		if a.Tick != b.Tick || a.Status != b.Status {
			t.Fatalf("tick %d: records diverged: %+v vs %+v", i, a, b)
		}
		if Status(a.Status).Terminal() {
			break
		}
	}
}

func TestRunLoopFeedsObservers(t *testing.T) {
	e, err := New(Config{Scenario: scenario.Default(), TickRateHz: 500})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	out := make(chan []byte, 256)
	resp := make(chan ObserverJoinResponse, 1)
	e.ObserverJoin() <- ObserverJoinRequest{SessionID: "O1", WithLeaves: true, Out: out, Resp: resp}

	select {
	case ack := <-resp:
		if ack.RunID != e.RunID() {
			t.Fatalf("join ack run id: %s", ack.RunID)
		}
	case <-ctx.Done():
		t.Fatalf("join not acknowledged")
	}

	var lastMsg botproto.TickMsg
	deadline := time.After(8 * time.Second)
	for lastMsg.Status != string(StatusDelivered) {
		select {
		case frame := <-out:
			var msg botproto.TickMsg
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if msg.Type != botproto.TypeTick || msg.ProtocolVersion != botproto.Version {
				t.Fatalf("frame header: %+v", msg)
			}
			lastMsg = msg
		case <-deadline:
			t.Fatalf("no delivery frame; last %+v", lastMsg)
		}
	}
	if lastMsg.Agent.Pos != [2]int{6, 6} || !lastMsg.Agent.Delivered {
		t.Fatalf("delivery frame: %+v", lastMsg)
	}
	if len(lastMsg.Leaves) == 0 {
		t.Fatalf("with_leaves subscriber should receive narration")
	}

	st, err := e.Control(ctx, CtrlStatus, 0)
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if st.Status != StatusDelivered {
		t.Fatalf("loop status: %+v", st)
	}

	e.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRunLoopPauseAndStep(t *testing.T) {
	e, err := New(Config{Scenario: scenario.Default(), TickRateHz: 20})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	st, err := e.Control(ctx, CtrlPause, 0)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !st.Paused {
		t.Fatalf("pause not applied: %+v", st)
	}
	pausedAt := st.Tick

	time.Sleep(50 * time.Millisecond)
	st, err = e.Control(ctx, CtrlStatus, 0)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Tick != pausedAt {
		t.Fatalf("ticks advanced while paused: %d -> %d", pausedAt, st.Tick)
	}

	st, err = e.Control(ctx, CtrlStep, 0)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if st.Tick != pausedAt+1 {
		t.Fatalf("single step: got tick %d want %d", st.Tick, pausedAt+1)
	}
	if !st.Paused {
		t.Fatalf("single step should not resume")
	}

	st, err = e.Control(ctx, CtrlRate, 400)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if st.TickRateHz != 400 {
		t.Fatalf("rate not applied: %+v", st)
	}

	if _, err := e.Control(ctx, CtrlResume, 0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	e.Stop()
	<-done
}
