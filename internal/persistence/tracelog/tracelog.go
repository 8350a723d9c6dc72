// Package tracelog persists run traces as zstd-compressed JSONL: one
// header line identifying the run and its scenario, then one line per
// evaluated tick. Trace files are the source of truth for replays; the
// SQLite index is derived data.
package tracelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"warebot.ai/internal/scenario"
	"warebot.ai/internal/sim"
)

// FormatVersion guards trace compatibility across binary versions.
const FormatVersion = 1

// Header is the first line of every trace file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	RunID         string            `json:"run_id"`
	StartedAt     string            `json:"started_at"`
	Scenario      scenario.Scenario `json:"scenario"`
}

// FileName returns the conventional trace name for a run.
func FileName(runID string) string {
	return fmt.Sprintf("run-%s.jsonl.zst", runID)
}

// Writer appends tick records to a single run's trace file. Safe for
// concurrent use; the zero value is not usable, construct with Create.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *zstd.Encoder
	w    *bufio.Writer
}

// Create opens dir/run-<runid>.jsonl.zst, truncating any previous file
// for the same run, and writes the header line.
func Create(dir string, hdr Header) (*Writer, error) {
	if hdr.FormatVersion == 0 {
		hdr.FormatVersion = FormatVersion
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace dir: %w", err)
	}
	path := filepath.Join(dir, FileName(hdr.RunID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace create: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace compressor: %w", err)
	}
	w := &Writer{path: path, f: f, enc: enc, w: bufio.NewWriterSize(enc, 128*1024)}
	if err := w.appendLine(hdr); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the trace file location.
func (w *Writer) Path() string { return w.path }

// WriteTick implements sim.TraceLogger.
func (w *Writer) WriteTick(rec sim.TickRecord) error {
	return w.appendLine(rec)
}

func (w *Writer) appendLine(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return fmt.Errorf("trace writer closed")
	}
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(line); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close flushes and finalizes the compressed stream. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	flushErr := w.w.Flush()
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	w.w = nil
	w.enc = nil
	w.f = nil
	if flushErr != nil {
		return flushErr
	}
	if encErr != nil {
		return encErr
	}
	return fileErr
}

// Reader streams a recorded trace back, header first.
type Reader struct {
	f   *os.File
	dec *zstd.Decoder
	sc  *bufio.Scanner
	hdr Header
}

// Open reads and verifies the header of a trace file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace decompressor: %w", err)
	}
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	if !sc.Scan() {
		err := sc.Err()
		if err == nil {
			err = fmt.Errorf("empty trace")
		}
		dec.Close()
		f.Close()
		return nil, err
	}
	var hdr Header
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		dec.Close()
		f.Close()
		return nil, fmt.Errorf("trace header: %w", err)
	}
	if hdr.FormatVersion != FormatVersion {
		dec.Close()
		f.Close()
		return nil, fmt.Errorf("unsupported trace format %d", hdr.FormatVersion)
	}
	return &Reader{f: f, dec: dec, sc: sc, hdr: hdr}, nil
}

// Header returns the run identity line.
func (r *Reader) Header() Header { return r.hdr }

// Next returns the following tick record, or io.EOF at end of trace.
func (r *Reader) Next() (sim.TickRecord, error) {
	var rec sim.TickRecord
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return rec, err
		}
		return rec, io.EOF
	}
	if err := json.Unmarshal(r.sc.Bytes(), &rec); err != nil {
		return rec, fmt.Errorf("trace record: %w", err)
	}
	return rec, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	r.dec.Close()
	return r.f.Close()
}
