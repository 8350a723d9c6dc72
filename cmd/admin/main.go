// Command admin inspects and controls warebot runtime data. Subcommands
// operate either on the data directory directly (list, db, checkpoint,
// trace) or against a running server's loopback admin API (status,
// ctrl).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"warebot.ai/internal/persistence/checkpoint"
	"warebot.ai/internal/persistence/tracelog"
	"warebot.ai/internal/sim"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "status":
			statusCmd(os.Args[2:])
			return
		case "ctrl":
			ctrlCmd(os.Args[2:])
			return
		case "checkpoint":
			checkpointCmd(os.Args[2:])
			return
		case "trace":
			traceCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	if _, err := os.Stat(*dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, sub := range []string{"traces", "checkpoints"} {
		base := filepath.Join(*dataDir, sub)
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				// Resume segments nest one level down.
				inner, err := os.ReadDir(filepath.Join(base, e.Name()))
				if err != nil {
					continue
				}
				for _, in := range inner {
					fmt.Println(filepath.Join(sub, e.Name(), in.Name()))
				}
				continue
			}
			fmt.Println(filepath.Join(sub, e.Name()))
		}
	}
	if _, err := os.Stat(filepath.Join(*dataDir, "index.db")); err == nil {
		fmt.Println("index.db")
	}
}

func checkpointCmd(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	path := fs.String("path", "", "checkpoint file (.ckpt.zst)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "missing -path")
		os.Exit(2)
	}
	cp, err := checkpoint.Read(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read checkpoint:", err)
		os.Exit(1)
	}
	printJSON(struct {
		RunID     string `json:"run_id"`
		Tick      uint64 `json:"tick"`
		Scenario  string `json:"scenario"`
		X         int    `json:"x"`
		Y         int    `json:"y"`
		Facing    string `json:"facing"`
		Holding   bool   `json:"holding"`
		Delivered bool   `json:"delivered"`
		Status    string `json:"status"`
	}{
		RunID:     cp.RunID,
		Tick:      cp.Tick,
		Scenario:  cp.Scenario.Name,
		X:         cp.Pos.X,
		Y:         cp.Pos.Y,
		Facing:    cp.Facing,
		Holding:   cp.Holding,
		Delivered: cp.Delivered,
		Status:    cp.Status,
	})
}

func traceCmd(args []string) {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	path := fs.String("path", "", "trace file (.jsonl.zst)")
	tail := fs.Int("tail", 0, "print the last N records")
	_ = fs.Parse(args)

	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "missing -path")
		os.Exit(2)
	}
	r, err := tracelog.Open(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open trace:", err)
		os.Exit(1)
	}
	defer r.Close()

	hdr := r.Header()
	printJSON(struct {
		FormatVersion int    `json:"format_version"`
		RunID         string `json:"run_id"`
		StartedAt     string `json:"started_at"`
		Scenario      string `json:"scenario"`
	}{hdr.FormatVersion, hdr.RunID, hdr.StartedAt, hdr.Scenario.Name})

	var count int
	var ring []sim.TickRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "read trace:", err)
			os.Exit(1)
		}
		count++
		if *tail > 0 {
			ring = append(ring, rec)
			if len(ring) > *tail {
				ring = ring[1:]
			}
		}
	}
	for _, rec := range ring {
		printJSON(rec)
	}
	fmt.Printf("records=%d\n", count)
}
