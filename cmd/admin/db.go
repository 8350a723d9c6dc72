package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index.db)")
	runID := fs.String("run", "", "run id filter (required for ticks)")
	fromTick := fs.Uint64("from", 0, "first tick (ticks query)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.db")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "runs":
		rows, err := db.Query(`SELECT run_id,scenario,started_at,status,ticks,delivered FROM runs ORDER BY started_at DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RunID     string `json:"run_id"`
				Scenario  string `json:"scenario"`
				StartedAt string `json:"started_at"`
				Status    string `json:"status"`
				Ticks     uint64 `json:"ticks"`
				Delivered bool   `json:"delivered"`
			}
			var delivered int
			if err := rows.Scan(&r.RunID, &r.Scenario, &r.StartedAt, &r.Status, &r.Ticks, &delivered); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.Delivered = delivered != 0
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "ticks":
		if strings.TrimSpace(*runID) == "" {
			fmt.Fprintln(os.Stderr, "missing -run")
			os.Exit(2)
		}
		rows, err := db.Query(`SELECT tick,x,y,facing,holding,delivered,root,status,digest FROM ticks WHERE run_id=? AND tick>=? ORDER BY tick ASC LIMIT ?`,
			strings.TrimSpace(*runID), int64(*fromTick), *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick      uint64 `json:"tick"`
				X         int    `json:"x"`
				Y         int    `json:"y"`
				Facing    string `json:"facing"`
				Holding   bool   `json:"holding"`
				Delivered bool   `json:"delivered"`
				Root      bool   `json:"root"`
				Status    string `json:"status"`
				Digest    string `json:"digest"`
			}
			var holding, delivered, root int
			if err := rows.Scan(&r.Tick, &r.X, &r.Y, &r.Facing, &holding, &delivered, &root, &r.Status, &r.Digest); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.Holding = holding != 0
			r.Delivered = delivered != 0
			r.Root = root != 0
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-run RUN] [-from T] [-limit N] runs|ticks")
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
