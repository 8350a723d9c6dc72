package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"warebot.ai/internal/observability"
	"warebot.ai/internal/persistence/checkpoint"
	"warebot.ai/internal/persistence/runindex"
	"warebot.ai/internal/persistence/tracelog"
	"warebot.ai/internal/scenario"
	"warebot.ai/internal/sim"
	"warebot.ai/internal/transport/obsws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		scenarioPath = flag.String("scenario", "", "path to scenario yaml (empty for the built-in warehouse floor)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		tickRate     = flag.Int("tick_rate", 0, "tick rate override in hz (0 uses the scenario's rate)")
		ckptEvery    = flag.Uint64("checkpoint_every", 50, "write a checkpoint every N ticks (0 disables)")
		resumePath   = flag.String("resume", "", "path to checkpoint to resume from (optional)")
		resumeLatest = flag.Bool("resume_latest", false, "resume from the newest checkpoint under the data dir (when -resume is empty)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite run index")
		startPaused  = flag.Bool("paused", false, "start the loop paused")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	sc := scenario.Default()
	if strings.TrimSpace(*scenarioPath) != "" {
		var err error
		sc, err = scenario.Load(*scenarioPath)
		if err != nil {
			logger.Fatalf("load scenario: %v", err)
		}
	}

	ckptDir := filepath.Join(*dataDir, "checkpoints")
	traceDir := filepath.Join(*dataDir, "traces")

	resume := strings.TrimSpace(*resumePath)
	if resume == "" && *resumeLatest {
		resume = latestCheckpoint(ckptDir)
	}

	cfg := sim.Config{Scenario: sc, TickRateHz: *tickRate, CheckpointEvery: *ckptEvery}

	var engine *sim.Engine
	if resume != "" {
		cp, err := checkpoint.Read(resume)
		if err != nil {
			logger.Fatalf("read checkpoint: %v", err)
		}
		engine, err = sim.Resume(cfg, cp)
		if err != nil {
			logger.Fatalf("resume: %v", err)
		}
		// The original trace stays intact; the resumed segment gets its
		// own directory keyed by the starting tick.
		traceDir = filepath.Join(traceDir, fmt.Sprintf("resume-%d", cp.Tick))
		logger.Printf("resumed run=%s tick=%d status=%s", engine.RunID(), cp.Tick, cp.Status)
	} else {
		var err error
		engine, err = sim.New(cfg)
		if err != nil {
			logger.Fatalf("engine: %v", err)
		}
		logger.Printf("run=%s scenario=%s obstacles=%d", engine.RunID(), sc.Name, engine.ObstacleCount())
	}

	// Read-model index (does not affect run determinism).
	var idx *runindex.SQLiteIndex
	if !*disableDB {
		opened, err := runindex.Open(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open run index: %v", err)
		}
		idx = opened
		defer idx.Close()
	}

	metrics, err := observability.NewRunCollector(nil)
	if err != nil {
		logger.Fatalf("metrics: %v", err)
	}
	engine.SetMetrics(metrics)

	trace, err := tracelog.Create(traceDir, tracelog.Header{
		RunID:     engine.RunID(),
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Scenario:  engine.Config().Scenario,
	})
	if err != nil {
		logger.Fatalf("trace: %v", err)
	}
	defer trace.Close()

	if idx != nil {
		engine.SetTraceLogger(multiTraceLogger{a: trace, b: idx.TickLogger(engine.RunID())})
		idx.RecordRun(runindex.RunRow{
			RunID:    engine.RunID(),
			Scenario: engine.Config().Scenario.Name,
			Status:   string(sim.StatusRunning),
			Ticks:    engine.CurrentTick(),
		})
	} else {
		engine.SetTraceLogger(trace)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Checkpoint writer.
	ckptCh := make(chan checkpoint.CheckpointV1, 2)
	engine.SetCheckpointSink(ckptCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cp := <-ckptCh:
				path := filepath.Join(ckptDir, checkpoint.FileName(cp.RunID))
				if err := checkpoint.Write(path, cp); err != nil {
					logger.Printf("checkpoint write: %v", err)
				}
			}
		}
	}()

	if idx != nil {
		go func() {
			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					st := idx.Stats()
					metrics.SetIndexQueue(st.QueueDepth, st.QueueCapacity, st.DropTickTotal, st.DropRunTotal)
				}
			}
		}()
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("run loop stopped: %v", err)
		}
	}()

	if *startPaused {
		ctx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
		if _, err := engine.Control(ctx2, sim.CtrlPause, 0); err != nil {
			logger.Printf("start paused: %v", err)
		}
		cancel2()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	obsSrv := obsws.NewServer(engine, logger)
	mux.HandleFunc("/observer/v1/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/observer/v1/ws", obsSrv.WSHandler())
	mux.HandleFunc("/observer/v1/schema/", obsSrv.SchemaHandler("/observer/v1/schema/"))

	enableAdminHTTP := envBool("WB_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("WB_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only control endpoints (do not affect run determinism).
		ctrl := func(kind sim.CtrlKind) http.HandlerFunc {
			return func(rw http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					rw.WriteHeader(http.StatusMethodNotAllowed)
					return
				}
				if !isLoopbackRemote(r.RemoteAddr) {
					http.Error(rw, "forbidden", http.StatusForbidden)
					return
				}
				rate := 0
				if kind == sim.CtrlRate {
					var err error
					rate, err = strconv.Atoi(r.URL.Query().Get("hz"))
					if err != nil || rate <= 0 {
						http.Error(rw, "hz must be a positive integer", http.StatusBadRequest)
						return
					}
				}
				ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
				defer cancel2()
				st, err := engine.Control(ctx2, kind, rate)
				rw.Header().Set("Content-Type", "application/json")
				if err != nil {
					rw.WriteHeader(http.StatusServiceUnavailable)
					_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
					return
				}
				_ = json.NewEncoder(rw).Encode(st)
			}
		}
		mux.HandleFunc("/admin/v1/pause", ctrl(sim.CtrlPause))
		mux.HandleFunc("/admin/v1/resume", ctrl(sim.CtrlResume))
		mux.HandleFunc("/admin/v1/step", ctrl(sim.CtrlStep))
		mux.HandleFunc("/admin/v1/rate", ctrl(sim.CtrlRate))
		mux.HandleFunc("/admin/v1/status", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			st, err := engine.Control(ctx2, sim.CtrlStatus, 0)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			resp := struct {
				RunID string `json:"run_id"`
				sim.CtrlState
			}{engine.RunID(), st}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		if idx != nil {
			mux.HandleFunc("/admin/v1/runs", func(rw http.ResponseWriter, r *http.Request) {
				if !isLoopbackRemote(r.RemoteAddr) {
					http.Error(rw, "forbidden", http.StatusForbidden)
					return
				}
				rows, err := idx.RecentRuns(50)
				rw.Header().Set("Content-Type", "application/json")
				if err != nil {
					rw.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
					return
				}
				_ = json.NewEncoder(rw).Encode(map[string]any{"runs": rows})
			})
			mux.HandleFunc("/admin/v1/ticks", func(rw http.ResponseWriter, r *http.Request) {
				if !isLoopbackRemote(r.RemoteAddr) {
					http.Error(rw, "forbidden", http.StatusForbidden)
					return
				}
				run := r.URL.Query().Get("run")
				if run == "" {
					run = engine.RunID()
				}
				from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
				limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
				if err != nil || limit <= 0 {
					limit = 100
				}
				recs, err := idx.TicksForRun(run, from, limit)
				rw.Header().Set("Content-Type", "application/json")
				if err != nil {
					rw.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
					return
				}
				_ = json.NewEncoder(rw).Encode(map[string]any{"run": run, "ticks": recs})
			})
		}
	} else {
		logger.Printf("admin endpoints disabled (WB_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (WB_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	engine.Stop()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
	}
	// Final index row with the outcome, flushed by the deferred Close.
	if idx != nil {
		final := engine.Checkpoint()
		idx.RecordRun(runindex.RunRow{
			RunID:     final.RunID,
			Scenario:  final.Scenario.Name,
			Status:    final.Status,
			Ticks:     final.Tick,
			Delivered: final.Delivered,
		})
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestCheckpoint(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestMod time.Time
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ckpt.zst") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			bestMod = info.ModTime()
			best = filepath.Join(dir, e.Name())
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiTraceLogger struct {
	a sim.TraceLogger
	b sim.TraceLogger
}

func (m multiTraceLogger) WriteTick(rec sim.TickRecord) error {
	if m.a != nil {
		_ = m.a.WriteTick(rec)
	}
	if m.b != nil {
		_ = m.b.WriteTick(rec)
	}
	return nil
}
