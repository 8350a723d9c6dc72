package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"warebot.ai/internal/persistence/checkpoint"
	"warebot.ai/internal/persistence/tracelog"
	"warebot.ai/internal/sim"
)

func main() {
	var (
		tracePath = flag.String("trace", "", "path to run-*.jsonl.zst")
		ckptPath  = flag.String("checkpoint", "", "checkpoint to position from (required for traces that begin mid-run)")
		fromTick  = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick    = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "missing -trace")
		os.Exit(2)
	}

	r, err := tracelog.Open(*tracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open trace:", err)
		os.Exit(1)
	}
	defer r.Close()

	hdr := r.Header()
	fmt.Printf("trace v%d run=%s scenario=%s started=%s\n",
		hdr.FormatVersion, hdr.RunID, hdr.Scenario.Name, hdr.StartedAt)

	cfg := sim.Config{RunID: hdr.RunID, Scenario: hdr.Scenario}
	var e *sim.Engine
	if *ckptPath != "" {
		cp, err := checkpoint.Read(*ckptPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read checkpoint:", err)
			os.Exit(1)
		}
		if cp.RunID != hdr.RunID {
			fmt.Fprintf(os.Stderr, "checkpoint run id mismatch: trace=%s checkpoint=%s\n", hdr.RunID, cp.RunID)
			os.Exit(1)
		}
		e, err = sim.Resume(cfg, cp)
		if err != nil {
			fmt.Fprintln(os.Stderr, "resume:", err)
			os.Exit(1)
		}
		fmt.Printf("positioned at tick=%d from checkpoint\n", cp.Tick)
	} else {
		e, err = sim.New(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "engine:", err)
			os.Exit(1)
		}
	}

	var checked uint64
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "trace:", err)
			os.Exit(1)
		}
		if rec.Tick < e.CurrentTick() {
			// Before the checkpoint position.
			continue
		}
		if *toTick != 0 && rec.Tick > *toTick {
			break
		}
		if rec.Tick != e.CurrentTick() {
			fmt.Fprintf(os.Stderr, "tick gap at %d (engine at %d): replay mid-run traces from their checkpoint\n", rec.Tick, e.CurrentTick())
			os.Exit(1)
		}

		got := e.StepOnce()
		if rec.Tick < *fromTick {
			continue
		}
		checked++
		if got.Digest != rec.Digest {
			fmt.Fprintf(os.Stderr, "digest mismatch at tick %d: got=%s want=%s\n", rec.Tick, got.Digest, rec.Digest)
			os.Exit(1)
		}
		if got.Root != rec.Root || got.Status != rec.Status {
			fmt.Fprintf(os.Stderr, "record mismatch at tick %d: got root=%v status=%s want root=%v status=%s\n",
				rec.Tick, got.Root, got.Status, rec.Root, rec.Status)
			os.Exit(1)
		}
	}

	fmt.Printf("replay ok: checked=%d ticks run=%s final tick=%d\n", checked, hdr.RunID, e.CurrentTick())
}
