// Package checkpoint persists resumable run state. A checkpoint file is
// a zstd stream holding one JSON header line, peekable without decoding
// the rest, followed by a gob-encoded body.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"warebot.ai/internal/grid"
	"warebot.ai/internal/scenario"
)

// FormatVersion guards against decoding newer checkpoints with older
// binaries.
const FormatVersion = 1

// Header is the JSON first line of a checkpoint file.
type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Tick    uint64 `json:"tick"`
}

// CheckpointV1 is the complete resumable state of a run. Tick is the
// next tick to evaluate.
type CheckpointV1 struct {
	RunID    string
	Tick     uint64
	Scenario scenario.Scenario

	Pos       grid.Position
	Facing    string
	Holding   bool
	Delivered bool
	Status    string
}

// FileName returns the conventional checkpoint name for a run.
func FileName(runID string) string {
	return fmt.Sprintf("run-%s.ckpt.zst", runID)
}

// Write stores cp at path, replacing any previous file. The write goes
// through a temp file and rename so a crash cannot leave a torn
// checkpoint behind.
func Write(path string, cp CheckpointV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint create: %w", err)
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return fmt.Errorf("checkpoint compressor: %w", err)
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hdr, err := json.Marshal(Header{Version: FormatVersion, RunID: cp.RunID, Tick: cp.Tick})
	if err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if _, err := bw.Write(append(hdr, '\n')); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("checkpoint header: %w", err)
	}
	if err := gob.NewEncoder(bw).Encode(cp); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("checkpoint body: %w", err)
	}

	if err := bw.Flush(); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads and verifies a checkpoint file.
func Read(path string) (CheckpointV1, error) {
	var cp CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return cp, fmt.Errorf("checkpoint open: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, fmt.Errorf("checkpoint decompressor: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return cp, fmt.Errorf("checkpoint header: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return cp, fmt.Errorf("checkpoint header: %w", err)
	}
	if hdr.Version != FormatVersion {
		return cp, fmt.Errorf("unsupported checkpoint version %d", hdr.Version)
	}

	if err := gob.NewDecoder(br).Decode(&cp); err != nil {
		return cp, fmt.Errorf("checkpoint body: %w", err)
	}
	if cp.RunID != hdr.RunID || cp.Tick != hdr.Tick {
		return cp, fmt.Errorf("checkpoint header disagrees with body")
	}
	return cp, nil
}

// ReadHeader peeks at a checkpoint without decoding the body.
func ReadHeader(path string) (Header, error) {
	var hdr Header
	f, err := os.Open(path)
	if err != nil {
		return hdr, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return hdr, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return hdr, err
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, err
	}
	return hdr, nil
}
