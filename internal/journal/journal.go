// Package journal persists engine state as an append-only record log
// plus periodically compacted snapshots. All writes are asynchronous and
// best-effort: a slow or failing disk degrades durability, never the
// correctness or latency of the in-memory view.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/modelgate/healthcore/internal/metrics"
	"github.com/modelgate/healthcore/internal/quota"
)

const (
	journalFile  = "journal.jsonl"
	snapshotFile = "snapshot.json"
)

// Record is one journaled state change. It carries the post-transition
// snapshot, so recovery never re-derives policy decisions that may have
// changed between runs: the newest record per key wins.
type Record struct {
	Kind  string         `json:"kind"`
	Key   string         `json:"key"`
	At    time.Time      `json:"at"`
	State quota.Snapshot `json:"state"`
}

// snapshotDoc is the compacted on-disk snapshot of every endpoint.
type snapshotDoc struct {
	At     time.Time        `json:"at"`
	States []quota.Snapshot `json:"states"`
}

// Options tunes the writer. Zero fields get defaults.
type Options struct {
	Dir          string
	QueueSize    int           // default 1024
	MaxRecords   int           // journal records before forced compaction; default 1000
	MaxAge       time.Duration // retention for snapshots and records; default 7 days
	CompactEvery time.Duration // periodic compaction; default 5 minutes
}

func (o *Options) applyDefaults() {
	if o.QueueSize == 0 {
		o.QueueSize = 1024
	}
	if o.MaxRecords == 0 {
		o.MaxRecords = 1000
	}
	if o.MaxAge == 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	if o.CompactEvery == 0 {
		o.CompactEvery = 5 * time.Minute
	}
}

// Writer appends records to the journal from a single background
// goroutine fed by a bounded queue. Append never blocks: when the queue
// is full the record is dropped and counted.
type Writer struct {
	opts   Options
	logger *slog.Logger

	ch     chan Record
	stopCh chan struct{}
	done   chan struct{}

	// Owned by the run goroutine.
	file    *os.File
	written int
	source  func() []quota.Snapshot
}

// NewWriter prepares a journal writer in dir, creating the directory if
// needed.
func NewWriter(opts Options, logger *slog.Logger) (*Writer, error) {
	opts.applyDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("journal: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	return &Writer{
		opts:   opts,
		logger: logger,
		ch:     make(chan Record, opts.QueueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start opens the journal file and launches the background writer.
// source supplies the full current state for compaction; it must be safe
// to call from the writer goroutine.
func (w *Writer) Start(source func() []quota.Snapshot) error {
	f, err := os.OpenFile(filepath.Join(w.opts.Dir, journalFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	w.file = f
	w.written = countLines(f.Name())
	w.source = source
	go w.run()
	return nil
}

// Append implements quota.Journal. It enqueues the record without
// blocking; a full queue drops the record and increments a metric.
func (w *Writer) Append(kind, key string, at time.Time, snap quota.Snapshot) {
	select {
	case w.ch <- Record{Kind: kind, Key: key, At: at, State: snap}:
		metrics.JournalQueueDepth.Set(float64(len(w.ch)))
	default:
		metrics.JournalDrops.Inc()
	}
}

// Close stops the writer, drains the queue, runs a final compaction, and
// closes the journal file.
func (w *Writer) Close() error {
	close(w.stopCh)
	<-w.done
	return w.file.Close()
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.CompactEvery)
	defer ticker.Stop()

	for {
		select {
		case rec := <-w.ch:
			w.write(rec)
			metrics.JournalQueueDepth.Set(float64(len(w.ch)))
		case <-ticker.C:
			w.compact()
		case <-w.stopCh:
			// Drain whatever is still queued, then compact once.
			for {
				select {
				case rec := <-w.ch:
					w.write(rec)
				default:
					w.compact()
					return
				}
			}
		}
	}
}

// write appends one record. Failures are logged and swallowed.
func (w *Writer) write(rec Record) {
	b, err := json.Marshal(rec)
	if err != nil {
		metrics.JournalWriteFailures.Inc()
		w.logger.Warn("journal marshal failed", "key", rec.Key, "error", err)
		return
	}
	if _, err := w.file.Write(append(b, '\n')); err != nil {
		metrics.JournalWriteFailures.Inc()
		w.logger.Warn("journal write failed", "key", rec.Key, "error", err)
		return
	}
	w.written++
	if w.written >= w.opts.MaxRecords {
		w.compact()
	}
}

// compact writes a full snapshot of the current state and truncates the
// journal. The snapshot is written to a temp file and renamed so a crash
// mid-compaction never leaves a torn snapshot.
func (w *Writer) compact() {
	doc := snapshotDoc{At: time.Now(), States: w.source()}
	b, err := json.Marshal(doc)
	if err != nil {
		metrics.JournalWriteFailures.Inc()
		w.logger.Warn("snapshot marshal failed", "error", err)
		return
	}

	path := filepath.Join(w.opts.Dir, snapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		metrics.JournalWriteFailures.Inc()
		w.logger.Warn("snapshot write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		metrics.JournalWriteFailures.Inc()
		w.logger.Warn("snapshot rename failed", "error", err)
		return
	}

	// Snapshot is durable; start the journal over.
	w.file.Close()
	f, err := os.OpenFile(filepath.Join(w.opts.Dir, journalFile), os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		metrics.JournalWriteFailures.Inc()
		w.logger.Error("journal truncate failed, appends disabled until restart", "error", err)
		return
	}
	w.file = f
	w.written = 0
	w.logger.Info("journal compacted", "endpoints", len(doc.States))
}

// Load reads the newest persisted state per endpoint key: the compacted
// snapshot first (discarded entirely if older than maxAge), then any
// journal records appended after it. Malformed lines are skipped, never
// fatal. The caller is expected to tick the returned snapshots so
// elapsed penalties come back as ok.
func Load(dir string, maxAge time.Duration, logger *slog.Logger) ([]quota.Snapshot, error) {
	if maxAge == 0 {
		maxAge = 7 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)
	byKey := make(map[string]quota.Snapshot)
	var order []string

	if b, err := os.ReadFile(filepath.Join(dir, snapshotFile)); err == nil {
		var doc snapshotDoc
		if err := json.Unmarshal(b, &doc); err != nil {
			logger.Warn("discarding unreadable snapshot", "error", err)
		} else if doc.At.Before(cutoff) {
			logger.Info("discarding snapshot past retention", "at", doc.At)
		} else {
			for _, st := range doc.States {
				if _, ok := byKey[st.Key]; !ok {
					order = append(order, st.Key)
				}
				byKey[st.Key] = st
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, journalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return collect(byKey, order), nil
		}
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			logger.Warn("skipping malformed journal record", "error", err)
			continue
		}
		if rec.At.Before(cutoff) || rec.State.Key == "" {
			continue
		}
		if _, ok := byKey[rec.State.Key]; !ok {
			order = append(order, rec.State.Key)
		}
		byKey[rec.State.Key] = rec.State
	}
	if err := sc.Err(); err != nil {
		logger.Warn("journal scan stopped early", "error", err)
	}

	return collect(byKey, order), nil
}

func collect(byKey map[string]quota.Snapshot, order []string) []quota.Snapshot {
	out := make([]quota.Snapshot, 0, len(byKey))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// countLines returns the number of records already in the journal so the
// compaction threshold survives restarts.
func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}
