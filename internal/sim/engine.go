// Package sim drives a behavior-tree policy against one scenario: one
// root evaluation per tick, a canonical per-tick record stream, and a
// digest chain that makes every run byte-for-byte replayable.
package sim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"warebot.ai/internal/agent"
	"warebot.ai/internal/botproto"
	"warebot.ai/internal/bt"
	"warebot.ai/internal/grid"
	"warebot.ai/internal/persistence/checkpoint"
	"warebot.ai/internal/policy"
	"warebot.ai/internal/scenario"
)

// DefaultTickRateHz paces the live loop when neither the config nor the
// scenario names a rate.
const DefaultTickRateHz = 10

// Status of a run. Terminal statuses never transition back to running.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusDelivered  Status = "DELIVERED"
	StatusCapReached Status = "CAP_REACHED"
)

// Terminal reports whether the run is over.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCapReached
}

// LeafEvent is one instrumented leaf outcome inside an evaluation, in
// evaluation order.
type LeafEvent struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

// TickRecord is the canonical per-tick trace entry. The stream of
// records is a pure function of the scenario: same floor, same records,
// same digests.
type TickRecord struct {
	Tick      uint64        `json:"tick"`
	Root      bool          `json:"root"`
	Pos       grid.Position `json:"pos"`
	Facing    string        `json:"facing"`
	Holding   bool          `json:"holding"`
	Delivered bool          `json:"delivered"`
	Status    string        `json:"status"`
	Leaves    []LeafEvent   `json:"leaves,omitempty"`
	Digest    string        `json:"digest"`
}

// TraceLogger receives every tick record, synchronously with the step.
// Implementations must not block.
type TraceLogger interface {
	WriteTick(rec TickRecord) error
}

// StepMetrics receives engine instrumentation. A nil value disables it.
type StepMetrics interface {
	TickStepped(rec TickRecord, d time.Duration)
	ObserverCount(n int)
	TraceWriteFailed()
}

// Config describes one run.
type Config struct {
	// RunID is assigned when empty.
	RunID    string
	Scenario scenario.Scenario

	// TickRateHz overrides the scenario's rate when positive.
	TickRateHz int

	// CheckpointEvery emits a checkpoint to the sink every N ticks.
	// Zero disables periodic checkpoints.
	CheckpointEvery uint64
}

// ObserverJoinRequest attaches a watcher to the live feed. Out receives
// marshaled tick frames; a full buffer drops frames rather than stall
// the loop.
type ObserverJoinRequest struct {
	SessionID  string
	WithLeaves bool
	Out        chan []byte
	Resp       chan ObserverJoinResponse
}

// ObserverJoinResponse acknowledges a join with the loop's position.
type ObserverJoinResponse struct {
	RunID  string
	Tick   uint64
	Status Status
}

// ObserverUpdate retargets an attached watcher's leaf narration.
type ObserverUpdate struct {
	SessionID  string
	WithLeaves bool
}

// CtrlKind selects a live-loop control operation.
type CtrlKind int

const (
	CtrlPause CtrlKind = iota + 1
	CtrlResume
	CtrlStep
	CtrlRate
	CtrlStatus
)

// CtrlRequest adjusts the loop between ticks. Resp, when non-nil,
// receives the state after the request applied.
type CtrlRequest struct {
	Kind       CtrlKind
	TickRateHz int
	Resp       chan CtrlState
}

// CtrlState is the loop state reported back to control callers.
type CtrlState struct {
	Paused     bool   `json:"paused"`
	TickRateHz int    `json:"tick_rate_hz"`
	Tick       uint64 `json:"tick"`
	Status     Status `json:"status"`
}

type observerSession struct {
	out        chan []byte
	withLeaves bool
}

// leafRecorder buffers leaf outcomes for the evaluation in flight. The
// engine resets it before each root evaluation and drains it after.
type leafRecorder struct {
	events []LeafEvent
}

func (r *leafRecorder) Leaf(kind bt.Kind, name string, ok bool) {
	r.events = append(r.events, LeafEvent{Kind: kind.String(), Name: name, OK: ok})
}

func (r *leafRecorder) reset() { r.events = r.events[:0] }

func (r *leafRecorder) take() []LeafEvent {
	if len(r.events) == 0 {
		return nil
	}
	out := make([]LeafEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Engine owns the agent and the policy tree. All mutation happens on
// the goroutine calling StepOnce (the Run loop, or the caller itself in
// headless use); channels are the only way in from outside.
type Engine struct {
	cfg   Config
	runID string

	agent     *agent.Agent
	tree      bt.Node
	rec       *leafRecorder
	obstacles *grid.Obstacles

	tick   atomic.Uint64
	status Status

	observers map[string]*observerSession
	lastFull  []byte
	lastSlim  []byte

	obsJoin  chan ObserverJoinRequest
	obsLeave chan string
	obsSub   chan ObserverUpdate
	ctrl     chan CtrlRequest

	stop     chan struct{}
	stopOnce sync.Once

	trace    TraceLogger
	metrics  StepMetrics
	ckptSink chan<- checkpoint.CheckpointV1
}

// New builds an engine for a fresh run. The package is picked up before
// the first tick, so tick 0 already decides with the package in hand.
func New(cfg Config) (*Engine, error) {
	e, err := build(cfg)
	if err != nil {
		return nil, err
	}
	if !e.agent.PickPackage() {
		return nil, fmt.Errorf("initial pickup failed")
	}
	return e, nil
}

// Resume rebuilds an engine positioned at a checkpoint. The scenario
// stored in the checkpoint wins over cfg.Scenario.
func Resume(cfg Config, cp checkpoint.CheckpointV1) (*Engine, error) {
	cfg.Scenario = cp.Scenario
	if cfg.RunID == "" {
		cfg.RunID = cp.RunID
	}
	e, err := build(cfg)
	if err != nil {
		return nil, err
	}
	facing, err := grid.ParseDirection(cp.Facing)
	if err != nil {
		return nil, fmt.Errorf("checkpoint facing: %w", err)
	}
	e.agent = agent.Restore(cp.Pos, facing, cp.Scenario.Target, e.obstacles, cp.Holding, cp.Delivered)
	e.tree = policy.Tree(e.agent, e.rec)
	e.tick.Store(cp.Tick)
	switch Status(cp.Status) {
	case StatusRunning, StatusDelivered, StatusCapReached:
		e.status = Status(cp.Status)
	default:
		return nil, fmt.Errorf("checkpoint status %q", cp.Status)
	}
	return e, nil
}

func build(cfg Config) (*Engine, error) {
	if err := cfg.Scenario.Validate(); err != nil {
		return nil, err
	}
	facing, err := cfg.Scenario.StartFacing()
	if err != nil {
		return nil, err
	}
	cells, err := cfg.Scenario.ObstacleCells()
	if err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	obstacles := grid.NewObstacles(cells)
	rec := &leafRecorder{}
	a := agent.New(cfg.Scenario.Start, facing, cfg.Scenario.Target, obstacles)

	e := &Engine{
		cfg:       cfg,
		runID:     cfg.RunID,
		agent:     a,
		rec:       rec,
		obstacles: obstacles,
		status:    StatusRunning,
		observers: make(map[string]*observerSession),
		obsJoin:   make(chan ObserverJoinRequest, 16),
		obsLeave:  make(chan string, 16),
		obsSub:    make(chan ObserverUpdate, 16),
		ctrl:      make(chan CtrlRequest, 16),
		stop:      make(chan struct{}),
	}
	e.tree = policy.Tree(a, rec)
	return e, nil
}

// SetTraceLogger attaches the trace sink. Call before stepping.
func (e *Engine) SetTraceLogger(l TraceLogger) { e.trace = l }

// SetMetrics attaches instrumentation. Call before stepping.
func (e *Engine) SetMetrics(m StepMetrics) { e.metrics = m }

// SetCheckpointSink attaches the checkpoint channel. Sends never block;
// a full sink skips the checkpoint.
func (e *Engine) SetCheckpointSink(ch chan<- checkpoint.CheckpointV1) { e.ckptSink = ch }

func (e *Engine) RunID() string { return e.runID }

func (e *Engine) Config() Config { return e.cfg }

// CurrentTick returns the next tick to be evaluated. Safe from any
// goroutine.
func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }

// ObstacleCount reports the materialized blocked-cell count.
func (e *Engine) ObstacleCount() int { return e.obstacles.Len() }

// ObserverJoin is the channel watchers attach through.
func (e *Engine) ObserverJoin() chan<- ObserverJoinRequest { return e.obsJoin }

// ObserverLeave detaches a watcher by session id.
func (e *Engine) ObserverLeave() chan<- string { return e.obsLeave }

// ObserverUpdates retargets an attached watcher.
func (e *Engine) ObserverUpdates() chan<- ObserverUpdate { return e.obsSub }

// StepOnce advances the run by exactly one tick: evaluate the root,
// derive status, emit the record to the trace, checkpoint and observer
// sinks, then advance the tick counter. Calling it after a terminal
// status returns a record of the unchanged state without advancing.
func (e *Engine) StepOnce() TickRecord {
	now := e.tick.Load()
	if e.status.Terminal() {
		return e.record(now, false, nil)
	}
	started := time.Now()

	e.rec.reset()
	root := e.tree.Evaluate()
	leaves := e.rec.take()

	if e.agent.Delivered() {
		e.status = StatusDelivered
	} else if now+1 >= e.cfg.Scenario.MaxTicks {
		e.status = StatusCapReached
	}

	rec := e.record(now, root, leaves)
	if e.trace != nil {
		if err := e.trace.WriteTick(rec); err != nil && e.metrics != nil {
			e.metrics.TraceWriteFailed()
		}
	}
	e.tick.Add(1)
	e.maybeCheckpoint(now + 1)
	e.publish(rec)
	if e.metrics != nil {
		e.metrics.TickStepped(rec, time.Since(started))
	}
	return rec
}

// Run drives the loop until ctx is done or Stop is called. At most one
// evaluation happens per ticker fire; control and observer requests
// apply between ticks. The loop stays alive after a terminal status so
// late watchers can still attach and read state.
func (e *Engine) Run(ctx context.Context) error {
	rate := e.tickRate()
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case req := <-e.obsJoin:
			e.handleJoin(req)
		case id := <-e.obsLeave:
			delete(e.observers, id)
			e.noteObserverCount()
		case up := <-e.obsSub:
			if s, ok := e.observers[up.SessionID]; ok {
				s.withLeaves = up.WithLeaves
			}
		case req := <-e.ctrl:
			switch req.Kind {
			case CtrlPause:
				paused = true
			case CtrlResume:
				paused = false
			case CtrlStep:
				if !e.status.Terminal() {
					e.StepOnce()
				}
			case CtrlRate:
				if req.TickRateHz > 0 {
					rate = req.TickRateHz
					ticker.Reset(time.Second / time.Duration(rate))
				}
			case CtrlStatus:
				// Report only.
			}
			if req.Resp != nil {
				req.Resp <- CtrlState{Paused: paused, TickRateHz: rate, Tick: e.tick.Load(), Status: e.status}
			}
		case <-ticker.C:
			if paused || e.status.Terminal() {
				continue
			}
			e.StepOnce()
		}
	}
}

// Stop ends Run. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Control submits a loop request and waits for the applied state. Only
// meaningful while Run is active.
func (e *Engine) Control(ctx context.Context, kind CtrlKind, rateHz int) (CtrlState, error) {
	resp := make(chan CtrlState, 1)
	select {
	case e.ctrl <- CtrlRequest{Kind: kind, TickRateHz: rateHz, Resp: resp}:
	case <-ctx.Done():
		return CtrlState{}, ctx.Err()
	}
	select {
	case st := <-resp:
		return st, nil
	case <-ctx.Done():
		return CtrlState{}, ctx.Err()
	}
}

// Checkpoint captures the current run state. Call from the stepping
// goroutine, between steps.
func (e *Engine) Checkpoint() checkpoint.CheckpointV1 {
	return checkpoint.CheckpointV1{
		RunID:     e.runID,
		Tick:      e.tick.Load(),
		Scenario:  e.cfg.Scenario,
		Pos:       e.agent.Position(),
		Facing:    e.agent.Facing().String(),
		Holding:   e.agent.HasPackage(),
		Delivered: e.agent.Delivered(),
		Status:    string(e.status),
	}
}

func (e *Engine) tickRate() int {
	if e.cfg.TickRateHz > 0 {
		return e.cfg.TickRateHz
	}
	if e.cfg.Scenario.TickRateHz > 0 {
		return e.cfg.Scenario.TickRateHz
	}
	return DefaultTickRateHz
}

func (e *Engine) record(tick uint64, root bool, leaves []LeafEvent) TickRecord {
	return TickRecord{
		Tick:      tick,
		Root:      root,
		Pos:       e.agent.Position(),
		Facing:    e.agent.Facing().String(),
		Holding:   e.agent.HasPackage(),
		Delivered: e.agent.Delivered(),
		Status:    string(e.status),
		Leaves:    leaves,
		Digest:    e.stateDigest(tick),
	}
}

// stateDigest hashes the tick number, the full agent state and the
// static floor. Two runs of the same scenario produce identical digest
// chains; a replay against the wrong floor diverges on the first
// record.
func (e *Engine) stateDigest(tick uint64) string {
	h := sha256.New()
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], tick)
	h.Write(tmp[:])

	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(v)))
		h.Write(tmp[:])
	}
	p := e.agent.Position()
	writeInt(p.X)
	writeInt(p.Y)
	h.Write([]byte{byte(e.agent.Facing()), boolByte(e.agent.HasPackage()), boolByte(e.agent.Delivered())})

	t := e.agent.Target()
	writeInt(t.X)
	writeInt(t.Y)
	for _, c := range e.obstacles.Cells() {
		writeInt(c.X)
		writeInt(c.Y)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) maybeCheckpoint(nextTick uint64) {
	if e.ckptSink == nil || e.cfg.CheckpointEvery == 0 {
		return
	}
	if nextTick%e.cfg.CheckpointEvery != 0 && !e.status.Terminal() {
		return
	}
	select {
	case e.ckptSink <- e.Checkpoint():
	default:
		// Writer busy; the next interval will land.
	}
}

func (e *Engine) handleJoin(req ObserverJoinRequest) {
	e.observers[req.SessionID] = &observerSession{out: req.Out, withLeaves: req.WithLeaves}
	e.noteObserverCount()
	if req.Resp != nil {
		req.Resp <- ObserverJoinResponse{RunID: e.runID, Tick: e.tick.Load(), Status: e.status}
	}
	// Late joiners get the latest frame right away instead of waiting
	// out a pause or a terminal status.
	last := e.lastSlim
	if req.WithLeaves {
		last = e.lastFull
	}
	if last != nil {
		select {
		case req.Out <- last:
		default:
		}
	}
}

func (e *Engine) noteObserverCount() {
	if e.metrics != nil {
		e.metrics.ObserverCount(len(e.observers))
	}
}

func (e *Engine) publish(rec TickRecord) {
	full, slim := e.encodeFrames(rec)
	e.lastFull = full
	e.lastSlim = slim
	for _, o := range e.observers {
		frame := slim
		if o.withLeaves {
			frame = full
		}
		select {
		case o.out <- frame:
		default:
			// Slow watcher: drop the frame, never stall the loop.
		}
	}
}

func (e *Engine) encodeFrames(rec TickRecord) (full, slim []byte) {
	msg := botproto.TickMsg{
		Type:            botproto.TypeTick,
		ProtocolVersion: botproto.Version,
		RunID:           e.runID,
		Tick:            rec.Tick,
		Root:            rec.Root,
		Status:          rec.Status,
		Agent: botproto.AgentState{
			Pos:       [2]int{rec.Pos.X, rec.Pos.Y},
			Facing:    rec.Facing,
			Holding:   rec.Holding,
			Delivered: rec.Delivered,
		},
		Digest: rec.Digest,
	}
	if len(rec.Leaves) > 0 {
		msg.Leaves = make([]botproto.LeafEvent, len(rec.Leaves))
		for i, l := range rec.Leaves {
			msg.Leaves[i] = botproto.LeafEvent{Kind: l.Kind, Name: l.Name, OK: l.OK}
		}
	}
	full, err := json.Marshal(msg)
	if err != nil {
		return nil, nil
	}
	msg.Leaves = nil
	slim, err = json.Marshal(msg)
	if err != nil {
		return full, full
	}
	return full, slim
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
