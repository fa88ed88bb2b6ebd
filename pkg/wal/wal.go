// Package wal wraps the prometheus tsdb write-ahead log with the batch
// framing and acknowledgment semantics the ingester needs: every record is a
// sequence-prefixed batch, acknowledged only after it is durable (per-batch
// fsync) or covered by the next group commit. Segment mechanics, page
// framing, checksums and corruption handling belong to the library.
package wal

import (
	"encoding/binary"
	"flag"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

type Config struct {
	Dir                 string        `yaml:"dir"`
	SegmentMaxSize      int           `yaml:"segment_max_size"`
	GroupCommitInterval time.Duration `yaml:"group_commit_interval"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Dir, "wal.dir", "", "Directory holding write-ahead log segments.")
	f.IntVar(&cfg.SegmentMaxSize, "wal.segment-max-size", wlog.DefaultSegmentSize, "Size at which WAL segments roll over.")
	f.DurationVar(&cfg.GroupCommitInterval, "wal.group-commit-interval", 100*time.Millisecond, "Group-commit fsync interval; bounded at 200ms.")
}

func (cfg *Config) Validate() error {
	if cfg.GroupCommitInterval <= 0 || cfg.GroupCommitInterval > 200*time.Millisecond {
		return errors.New("wal.group-commit-interval must be in (0, 200ms]")
	}
	return nil
}

var (
	fsyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "openobserve",
		Name:      "wal_fsync_duration_seconds",
		Help:      "WAL fsync latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	appendedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "wal_appended_bytes_total",
		Help:      "Bytes appended to the WAL.",
	})
)

// Ref locates an acknowledged batch: the segment it landed in and its
// node-wide monotonic sequence number.
type Ref struct {
	Segment int
	Seq     uint64
}

// Writer appends sequence-framed batches. Segments stay pinned (one pin per
// batch) until the memtable holding their batches has been flushed as a
// durable partition; fully released segments are truncated away.
type Writer struct {
	cfg    Config
	logger log.Logger
	wal    *wlog.WL

	mu       sync.Mutex
	seq      uint64
	refs     map[int]int
	dirty    bool
	commitCh chan struct{} // closed and replaced on each group commit

	latencies latencyWindow

	stop chan struct{}
	done chan struct{}
}

func NewWriter(cfg Config, logger log.Logger) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("wal.dir is required")
	}
	segmentSize := cfg.SegmentMaxSize
	// Segment sizes must be a multiple of the library's page size.
	segmentSize -= segmentSize % (32 << 10)
	if segmentSize <= 0 {
		segmentSize = wlog.DefaultSegmentSize
	}
	tsdbWAL, err := wlog.NewSize(logger, nil, cfg.Dir, segmentSize, false)
	if err != nil {
		return nil, errors.Wrap(err, "create wal")
	}
	w := &Writer{
		cfg:      cfg,
		logger:   logger,
		wal:      tsdbWAL,
		refs:     map[int]int{},
		commitCh: make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.groupCommitLoop()
	return w, nil
}

// Append frames and logs one batch, pinning its segment until Release. In
// durable mode it returns after fsync; in group-commit mode it returns after
// the commit covering the write, bounded by the commit interval.
func (w *Writer) Append(payload []byte, durable bool) (Ref, error) {
	w.mu.Lock()
	seq := w.seq
	w.seq++

	frame := make([]byte, binary.MaxVarintLen64+len(payload))
	n := binary.PutUvarint(frame, seq)
	frame = append(frame[:n], payload...)

	if err := w.wal.Log(frame); err != nil {
		w.mu.Unlock()
		return Ref{}, errors.Wrap(err, "append wal record")
	}
	segment := w.currentSegmentLocked()
	w.refs[segment]++
	ref := Ref{Segment: segment, Seq: seq}
	appendedBytes.Add(float64(len(frame)))

	if durable {
		err := w.syncLocked()
		w.mu.Unlock()
		return ref, err
	}

	w.dirty = true
	commit := w.commitCh
	w.mu.Unlock()

	select {
	case <-commit:
		return ref, nil
	case <-w.stop:
		return Ref{}, errors.New("wal writer stopped")
	}
}

func (w *Writer) currentSegmentLocked() int {
	_, last, err := wlog.Segments(w.wal.Dir())
	if err != nil || last < 0 {
		return 0
	}
	return last
}

func (w *Writer) syncLocked() error {
	start := time.Now()
	err := w.wal.Sync()
	elapsed := time.Since(start)
	fsyncDuration.Observe(elapsed.Seconds())
	w.latencies.observe(elapsed)
	return errors.Wrap(err, "wal fsync")
}

// Rotate cuts the current segment synchronously and returns the new segment
// index.
func (w *Writer) Rotate() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wal.NextSegmentSync()
}

// BumpSeq advances the sequence counter past a replayed batch so new appends
// never reuse an acknowledged sequence number.
func (w *Writer) BumpSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq >= w.seq {
		w.seq = seq + 1
	}
}

// Pin adds one pin to a segment outside the Append path; recovery pins
// replayed segments per batch so Release stays symmetric.
func (w *Writer) Pin(segment int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[segment]++
}

// Release drops pins per segment, then truncates every segment below the
// lowest still-pinned one: a registered partition now covers each of their
// batches.
func (w *Writer) Release(pins map[int]int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for segment, n := range pins {
		w.refs[segment] -= n
		if w.refs[segment] <= 0 {
			delete(w.refs, segment)
		}
	}

	keep := w.currentSegmentLocked()
	for segment := range w.refs {
		if segment < keep {
			keep = segment
		}
	}
	if err := w.wal.Truncate(keep); err != nil {
		level.Warn(w.logger).Log("msg", "wal truncation failed", "keep", keep, "err", err)
	}
}

func (w *Writer) groupCommitLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.GroupCommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			w.commit()
			return
		case <-ticker.C:
			w.commit()
		}
	}
}

func (w *Writer) commit() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	err := w.syncLocked()
	w.dirty = false
	done := w.commitCh
	w.commitCh = make(chan struct{})
	w.mu.Unlock()

	if err != nil {
		level.Error(w.logger).Log("msg", "wal group commit failed", "err", err)
		// Waiters are still released; the write path surfaces storage
		// errors on the next durable operation.
	}
	close(done)
}

// FsyncP95 reports the recent 95th percentile fsync latency for admission
// control.
func (w *Writer) FsyncP95() time.Duration {
	return w.latencies.p95()
}

func (w *Writer) Close() error {
	close(w.stop)
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.wal.Sync(); err != nil {
		level.Warn(w.logger).Log("msg", "wal sync on close failed", "err", err)
	}
	return w.wal.Close()
}

// Segments reports the first and last segment index in dir, (-1, -1) when
// none exist.
func Segments(dir string) (first, last int, err error) {
	return wlog.Segments(dir)
}

// latencyWindow keeps a fixed ring of recent fsync latencies.
type latencyWindow struct {
	mu      sync.Mutex
	samples [128]time.Duration
	n       int
	next    int
}

func (l *latencyWindow) observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples[l.next] = d
	l.next = (l.next + 1) % len(l.samples)
	if l.n < len(l.samples) {
		l.n++
	}
}

func (l *latencyWindow) p95() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		return 0
	}
	sorted := make([]time.Duration, l.n)
	copy(sorted, l.samples[:l.n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[l.n*95/100]
}
