// Package obsws exposes the live run over HTTP for local watchers: a
// bootstrap document describing the floor, a websocket tick feed, and
// the embedded protocol schemas. The surface is loopback-only.
package obsws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"warebot.ai/internal/botproto"
	"warebot.ai/internal/sim"
)

type Server struct {
	engine *sim.Engine
	log    *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(e *sim.Engine, logger *log.Logger) *Server {
	return &Server{
		engine: e,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		st, err := s.engine.Control(r.Context(), sim.CtrlStatus, 0)
		if err != nil {
			http.Error(rw, "run loop unavailable", http.StatusServiceUnavailable)
			return
		}

		sc := s.engine.Config().Scenario
		facing := sc.Facing
		if f, err := sc.StartFacing(); err == nil {
			facing = f.String()
		}
		resp := botproto.BootstrapMsg{
			Type:            botproto.TypeBootstrap,
			ProtocolVersion: botproto.Version,
			RunID:           s.engine.RunID(),
			Tick:            st.Tick,
			Status:          string(st.Status),
			Scenario: botproto.ScenarioInfo{
				Name:       sc.Name,
				Start:      [2]int{sc.Start.X, sc.Start.Y},
				Facing:     facing,
				Target:     [2]int{sc.Target.X, sc.Target.Y},
				Obstacles:  s.engine.ObstacleCount(),
				MaxTicks:   sc.MaxTicks,
				TickRateHz: st.TickRateHz,
			},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub botproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != botproto.TypeSubscribe || sub.ProtocolVersion != botproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 256)
		ack := make(chan sim.ObserverJoinResponse, 1)

		joinReq := sim.ObserverJoinRequest{
			SessionID:  sid,
			WithLeaves: sub.WithLeaves,
			Out:        out,
			Resp:       ack,
		}
		select {
		case s.engine.ObserverJoin() <- joinReq:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		// The ack proves the loop registered the session; without it the
		// out channel would never fill.
		select {
		case <-ack:
		case <-time.After(5 * time.Second):
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		defer func() {
			select {
			case s.engine.ObserverLeave() <- sid:
			default:
				// Run loop is stopping; nothing else to do.
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates to retoggle narration.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub botproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != botproto.TypeSubscribe || sub.ProtocolVersion != botproto.Version {
				continue
			}
			select {
			case s.engine.ObserverUpdates() <- sim.ObserverUpdate{SessionID: sid, WithLeaves: sub.WithLeaves}:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// SchemaHandler serves the embedded protocol schemas. The path suffix
// after prefix names the schema file; an empty suffix lists them.
func (s *Server) SchemaHandler(prefix string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, prefix)
		if name == "" {
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string][]string{"schemas": botproto.SchemaNames()})
			return
		}
		raw, err := botproto.SchemaJSON(name)
		if err != nil {
			http.Error(rw, "unknown schema", http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "application/schema+json")
		_, _ = rw.Write(raw)
	}
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
