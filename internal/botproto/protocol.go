// Package botproto defines the observer wire protocol: the JSON frames
// a watcher exchanges with the server over the websocket feed and the
// bootstrap document served over HTTP. Each message shape has a JSON
// Schema embedded alongside (see schemas.go) so non-Go clients can
// validate against the same source of truth.
package botproto

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version carried by every frame. Bump on any
// breaking shape change.
const Version = "1.0"

// Frame types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
	TypeBootstrap = "BOOTSTRAP"
)

// BaseMessage carries the fields needed to route a raw frame.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// DecodeBase peeks at a frame's routing fields.
func DecodeBase(raw []byte) (BaseMessage, error) {
	var m BaseMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("frame missing type")
	}
	return m, nil
}

// SubscribeMsg is the first client frame on a feed connection. Clients
// may re-send it to toggle leaf narration mid-stream.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// WithLeaves asks for per-leaf narration in every tick frame.
	// Off by default; the agent summary is always included.
	WithLeaves bool `json:"with_leaves,omitempty"`
}

// AgentState is the observable agent summary inside a tick frame.
type AgentState struct {
	Pos       [2]int `json:"pos"`
	Facing    string `json:"facing"`
	Holding   bool   `json:"holding"`
	Delivered bool   `json:"delivered"`
}

// LeafEvent narrates one instrumented behavior-tree leaf outcome, in
// evaluation order.
type LeafEvent struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

// TickMsg is pushed to every subscriber once per evaluated tick.
type TickMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	RunID           string      `json:"run_id"`
	Tick            uint64      `json:"tick"`
	Root            bool        `json:"root"`
	Status          string      `json:"status"`
	Agent           AgentState  `json:"agent"`
	Leaves          []LeafEvent `json:"leaves,omitempty"`
	Digest          string      `json:"digest"`
}

// ScenarioInfo summarizes the floor a run was started from.
type ScenarioInfo struct {
	Name       string `json:"name"`
	Start      [2]int `json:"start"`
	Facing     string `json:"facing"`
	Target     [2]int `json:"target"`
	Obstacles  int    `json:"obstacles"`
	MaxTicks   uint64 `json:"max_ticks"`
	TickRateHz int    `json:"tick_rate_hz,omitempty"`
}

// BootstrapMsg is the HTTP bootstrap document a watcher fetches before
// opening the feed.
type BootstrapMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	RunID           string       `json:"run_id"`
	Tick            uint64       `json:"tick"`
	Status          string       `json:"status"`
	Scenario        ScenarioInfo `json:"scenario"`
}
