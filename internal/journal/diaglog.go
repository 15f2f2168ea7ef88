package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"flexmc.dev/internal/migrate"
)

// DiagLog writes one compressed JSONL line per migration event,
// rotated hourly. Unlike the sqlite journal it never drops entries;
// it is the raw trail for post-mortems.
type DiagLog struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

type diagEntry struct {
	At     string `json:"at"`
	Dim    string `json:"dim"`
	X      int    `json:"x"`
	Z      int    `json:"z"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func NewDiagLog(baseDir string) *DiagLog {
	return &DiagLog{baseDir: baseDir, prefix: "chunks"}
}

// Record implements migrate.Recorder.
func (l *DiagLog) Record(ev migrate.Event) {
	entry := diagEntry{
		At:     time.Now().UTC().Format(time.RFC3339Nano),
		Dim:    ev.Dim.String(),
		X:      ev.Pos.X,
		Z:      ev.Pos.Z,
		Status: string(ev.Status),
		Reason: ev.Reason,
	}
	_ = l.write(entry)
}

func (l *DiagLog) write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != l.curHour {
		if err := l.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *DiagLog) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	path := l.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 128*1024)
	l.curHour = hour
	return nil
}

func (l *DiagLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *DiagLog) closeLocked() error {
	var err1 error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err1 = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	return err1
}

func (l *DiagLog) pathForHour(hour string) string {
	return filepath.Join(l.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", l.prefix, hour))
}
