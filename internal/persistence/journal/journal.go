package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type Kind string

const (
	KindSpawn    Kind = "spawn"
	KindMove     Kind = "move"
	KindKill     Kind = "kill"
	KindForget   Kind = "forget"
	KindLoadSkip Kind = "load_skip"
	KindShutdown Kind = "shutdown"
)

// Event is one lifecycle change of an anchor.
type Event struct {
	Time        time.Time `json:"time"`
	Kind        Kind      `json:"kind"`
	Name        string    `json:"name,omitempty"`
	Identity    string    `json:"identity,omitempty"`
	PartitionID string    `json:"partition_id,omitempty"`
	X           float64   `json:"x,omitempty"`
	Y           float64   `json:"y,omitempty"`
	Z           float64   `json:"z,omitempty"`
	Radius      int       `json:"radius,omitempty"`
	Cells       int       `json:"cells,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Writer appends events to hourly zstd-compressed JSONL files.
type Writer struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewWriter(baseDir string) *Writer {
	return &Writer{
		baseDir: baseDir,
		prefix:  "lifecycle",
		now:     time.Now,
	}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) Record(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	if ev.Time.IsZero() {
		ev.Time = now
	}
	hour := now.Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Flush the zstd block so a crash loses at most the current event.
	return w.enc.Flush()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 32*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadFile decodes every event in one journal file. Files appended to by
// several writer sessions hold several zstd frames; all are read.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Event
	jd := json.NewDecoder(bufio.NewReader(dec))
	for {
		var ev Event
		if err := jd.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn tail from an unclean stop.
				return out, nil
			}
			return out, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		out = append(out, ev)
	}
}

// Files lists journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "lifecycle-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}
