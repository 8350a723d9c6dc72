package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"warebot.ai/internal/botproto"
)

func main() {
	var (
		server = flag.String("server", "http://localhost:8080", "server base url")
		leaves = flag.Bool("leaves", false, "print per-leaf narration for every tick")
		stay   = flag.Bool("stay", false, "keep watching after the run ends")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[watch] ", log.LstdFlags|log.Lmicroseconds)

	base := strings.TrimRight(*server, "/")
	boot, err := fetchBootstrap(base)
	if err != nil {
		logger.Fatalf("bootstrap: %v", err)
	}
	logger.Printf("run=%s scenario=%s start=(%d,%d) target=(%d,%d) obstacles=%d max_ticks=%d status=%s",
		boot.RunID, boot.Scenario.Name,
		boot.Scenario.Start[0], boot.Scenario.Start[1],
		boot.Scenario.Target[0], boot.Scenario.Target[1],
		boot.Scenario.Obstacles, boot.Scenario.MaxTicks, boot.Status)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/observer/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := botproto.SubscribeMsg{
		Type:            botproto.TypeSubscribe,
		ProtocolVersion: botproto.Version,
		WithLeaves:      *leaves,
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	// Refresh the subscription so the server's read deadline never
	// fires on a paused run.
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(25 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_ = conn.WriteJSON(sub)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := botproto.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.Type != botproto.TypeTick {
			continue
		}
		var tick botproto.TickMsg
		if err := json.Unmarshal(msg, &tick); err != nil {
			continue
		}

		logger.Printf("t=%d pos=(%d,%d) facing=%s holding=%v delivered=%v root=%v status=%s",
			tick.Tick, tick.Agent.Pos[0], tick.Agent.Pos[1], tick.Agent.Facing,
			tick.Agent.Holding, tick.Agent.Delivered, tick.Root, tick.Status)
		for _, l := range tick.Leaves {
			logger.Printf("  %-9s %s=%v", l.Kind, l.Name, l.OK)
		}

		if !*stay && tick.Status != "RUNNING" {
			logger.Printf("run ended: status=%s tick=%d", tick.Status, tick.Tick)
			return
		}
	}
}

func fetchBootstrap(base string) (botproto.BootstrapMsg, error) {
	var boot botproto.BootstrapMsg
	resp, err := http.Get(base + "/observer/v1/bootstrap")
	if err != nil {
		return boot, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		return boot, err
	}
	return boot, nil
}
