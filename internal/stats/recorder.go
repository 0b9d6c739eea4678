// Package stats summarizes the child's output stream: volume, chunk sizes
// and the gaps between chunks.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// compression trades digest size for quantile accuracy.
const compression = 100

// Recorder accumulates statistics over delivered chunks. It is safe for
// concurrent use; Deliver runs on the pump goroutine while the UI reads
// snapshots.
type Recorder struct {
	mu sync.Mutex

	start     time.Time
	first     time.Time
	last      time.Time
	bytes     int64
	chunks    int64
	maxChunk  int
	sizes     *tdigest.TDigest
	gaps      *tdigest.TDigest
	gapsCount int64

	now func() time.Time
}

// NewRecorder creates a Recorder whose clock starts now.
func NewRecorder() *Recorder {
	return newRecorderWithClock(time.Now)
}

func newRecorderWithClock(now func() time.Time) *Recorder {
	return &Recorder{
		start: now(),
		sizes: tdigest.NewWithCompression(compression),
		gaps:  tdigest.NewWithCompression(compression),
		now:   now,
	}
}

// Deliver records one chunk. It matches process.DeliverFunc.
func (r *Recorder) Deliver(chunk []byte) (bool, error) {
	t := r.now()
	n := len(chunk)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chunks == 0 {
		r.first = t
	} else {
		r.gaps.Add(float64(t.Sub(r.last)), 1)
		r.gapsCount++
	}
	r.last = t
	r.bytes += int64(n)
	r.chunks++
	if n > r.maxChunk {
		r.maxChunk = n
	}
	r.sizes.Add(float64(n), 1)
	return true, nil
}

// Snapshot is a point-in-time view of a Recorder.
type Snapshot struct {
	Elapsed    time.Duration
	Bytes      int64
	Chunks     int64
	FirstChunk time.Time
	LastChunk  time.Time

	ChunkP50 float64
	ChunkP90 float64
	ChunkP99 float64
	MaxChunk int

	GapP50 time.Duration
	GapP90 time.Duration
	GapP99 time.Duration

	// ByteRate is bytes per second over the whole recording.
	ByteRate float64
}

// Snapshot returns the current statistics. Quantiles are zero until
// there is data for them.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Elapsed:    r.now().Sub(r.start),
		Bytes:      r.bytes,
		Chunks:     r.chunks,
		FirstChunk: r.first,
		LastChunk:  r.last,
		MaxChunk:   r.maxChunk,
	}
	if r.chunks > 0 {
		s.ChunkP50 = r.sizes.Quantile(0.50)
		s.ChunkP90 = r.sizes.Quantile(0.90)
		s.ChunkP99 = r.sizes.Quantile(0.99)
	}
	if r.gapsCount > 0 {
		s.GapP50 = time.Duration(r.gaps.Quantile(0.50))
		s.GapP90 = time.Duration(r.gaps.Quantile(0.90))
		s.GapP99 = time.Duration(r.gaps.Quantile(0.99))
	}
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.ByteRate = float64(r.bytes) / secs
	}
	return s
}

// AverageChunk returns the mean chunk size.
func (s Snapshot) AverageChunk() float64 {
	if s.Chunks == 0 {
		return 0
	}
	return float64(s.Bytes) / float64(s.Chunks)
}

// Idle returns how long ago the last chunk arrived, relative to now.
func (s Snapshot) Idle(now time.Time) time.Duration {
	if s.LastChunk.IsZero() {
		return 0
	}
	return now.Sub(s.LastChunk)
}
