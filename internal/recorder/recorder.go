// Package recorder writes processed tag packets to CSV files with rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/taggw/internal/metrics"
	"github.com/shaunagostinho/taggw/internal/packet"
)

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	// MaxRows rotates the file after this many rows; 0 uses DefaultMaxRows.
	MaxRows int `yaml:"max_rows" json:"max_rows"`
	// TagOnly skips packets that are not valid tag packets.
	TagOnly bool `yaml:"tag_only" json:"tag_only"`
}

const (
	DefaultPath    = "/var/log/taggw"
	DefaultMaxRows = 100_000
)

var csvHeader = []string{
	"recorded_at", "time_from_start", "adv_address", "group_id",
	"rssi", "n_packet_filter", "counter_tag", "valid", "packet",
}

// Recorder appends packets to the current CSV file.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	tagOnly bool
	enabled bool
	now     func() time.Time
	log     *slog.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int
	path   string
}

// New creates a Recorder. No file is opened until the first packet.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		tagOnly: cfg.TagOnly,
		enabled: cfg.Enabled,
		now:     time.Now,
		log:     slog.Default().With("component", "recorder"),
	}
}

// SetEnabled toggles recording at runtime. Disabling closes the file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently written, or "".
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record writes one row per packet and returns how many were written.
func (r *Recorder) Record(pkts ...packet.ProcessedPacket) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return 0, nil
	}

	n := 0
	now := r.now()
	for _, p := range pkts {
		if r.tagOnly && !p.IsValidTagPacket {
			continue
		}
		if r.writer == nil || r.rows >= r.maxRows {
			if err := r.rotateFile(now); err != nil {
				return n, err
			}
		}
		if err := r.writer.Write(buildRow(now, p)); err != nil {
			return n, fmt.Errorf("recorder: write: %w", err)
		}
		r.rows++
		n++
		metrics.RecordedRowsTotal.Inc()
	}
	if r.writer != nil {
		r.writer.Flush()
		if err := r.writer.Error(); err != nil {
			return n, fmt.Errorf("recorder: flush: %w", err)
		}
	}
	return n, nil
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}
	r.seq++
	name := fmt.Sprintf("tags_%s_%03d.csv", now.Format("2006-01-02_150405"), r.seq)
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}
	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.path = path

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()
	r.log.Info("opened", "path", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			r.log.Warn("close failed", "path", r.path, "error", err)
		}
		r.file = nil
	}
	r.path = ""
}

func buildRow(ts time.Time, p packet.ProcessedPacket) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	if p.TimeFromStart != nil {
		row[1] = strconv.FormatFloat(*p.TimeFromStart, 'f', 3, 64)
	}
	if p.AdvAddress != nil {
		row[2] = *p.AdvAddress
	}
	if p.GroupID != nil {
		row[3] = *p.GroupID
	}
	if p.RSSI != nil {
		row[4] = strconv.Itoa(int(*p.RSSI))
	}
	if p.NPacketFilter != nil {
		row[5] = strconv.Itoa(int(*p.NPacketFilter))
	}
	if p.CounterTag != nil {
		row[6] = strconv.Itoa(*p.CounterTag)
	}
	row[7] = boolStr(p.IsValidTagPacket)
	row[8] = p.Packet
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
