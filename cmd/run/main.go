package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"warebot.ai/internal/persistence/checkpoint"
	"warebot.ai/internal/persistence/tracelog"
	"warebot.ai/internal/scenario"
	"warebot.ai/internal/sim"
)

// Headless runner: steps the run as fast as the host allows, with the
// same artifacts as the server. Exits non-zero when the package was not
// delivered.
func main() {
	var (
		scenarioPath = flag.String("scenario", "", "path to scenario yaml (empty for the built-in warehouse floor)")
		dataDir      = flag.String("data", "", "write trace and checkpoint artifacts here (empty disables)")
		ckptEvery    = flag.Uint64("checkpoint_every", 0, "write a checkpoint every N ticks (0 disables)")
		quiet        = flag.Bool("quiet", false, "suppress per-tick output")
		leaves       = flag.Bool("leaves", false, "print per-leaf narration for every tick")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[run] ", log.LstdFlags|log.Lmicroseconds)

	sc := scenario.Default()
	if strings.TrimSpace(*scenarioPath) != "" {
		var err error
		sc, err = scenario.Load(*scenarioPath)
		if err != nil {
			logger.Fatalf("load scenario: %v", err)
		}
	}

	engine, err := sim.New(sim.Config{Scenario: sc, CheckpointEvery: *ckptEvery})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	logger.Printf("run=%s scenario=%s obstacles=%d max_ticks=%d",
		engine.RunID(), sc.Name, engine.ObstacleCount(), sc.MaxTicks)

	var trace *tracelog.Writer
	var wg sync.WaitGroup
	var ckptCh chan checkpoint.CheckpointV1
	if strings.TrimSpace(*dataDir) != "" {
		trace, err = tracelog.Create(filepath.Join(*dataDir, "traces"), tracelog.Header{
			RunID:     engine.RunID(),
			StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Scenario:  sc,
		})
		if err != nil {
			logger.Fatalf("trace: %v", err)
		}
		engine.SetTraceLogger(trace)

		if *ckptEvery > 0 {
			ckptCh = make(chan checkpoint.CheckpointV1, 8)
			engine.SetCheckpointSink(ckptCh)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for cp := range ckptCh {
					path := filepath.Join(*dataDir, "checkpoints", checkpoint.FileName(cp.RunID))
					if err := checkpoint.Write(path, cp); err != nil {
						logger.Printf("checkpoint write: %v", err)
					}
				}
			}()
		}
	}

	var rec sim.TickRecord
	for {
		rec = engine.StepOnce()
		if !*quiet {
			logger.Printf("t=%d pos=%s facing=%s holding=%v root=%v status=%s",
				rec.Tick, rec.Pos, rec.Facing, rec.Holding, rec.Root, rec.Status)
			if *leaves {
				for _, l := range rec.Leaves {
					logger.Printf("  %-9s %s=%v", l.Kind, l.Name, l.OK)
				}
			}
		}
		if sim.Status(rec.Status).Terminal() {
			break
		}
	}

	if ckptCh != nil {
		close(ckptCh)
		wg.Wait()
		// Fast stepping can outrun the async writer; land the terminal
		// state regardless.
		final := engine.Checkpoint()
		path := filepath.Join(*dataDir, "checkpoints", checkpoint.FileName(final.RunID))
		if err := checkpoint.Write(path, final); err != nil {
			logger.Printf("final checkpoint: %v", err)
		}
	}
	if trace != nil {
		if err := trace.Close(); err != nil {
			logger.Printf("trace close: %v", err)
		} else {
			logger.Printf("trace written to %s", trace.Path())
		}
	}

	logger.Printf("finished: status=%s ticks=%d delivered=%v digest=%s",
		rec.Status, rec.Tick+1, rec.Delivered, rec.Digest)
	if rec.Status != string(sim.StatusDelivered) {
		os.Exit(1)
	}
}
