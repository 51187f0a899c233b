package engine

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// latencyDigests tracks commit-to-fsync and trickle-pass latency
// distributions for Stats(), mirroring the teacher's self-monitoring
// latency-digest pattern (percentiles without retaining every sample).
type latencyDigests struct {
	mu      sync.Mutex
	commit  *tdigest.TDigest
	trickle *tdigest.TDigest
}

func newLatencyDigests() (*latencyDigests, error) {
	commit, err := tdigest.New()
	if err != nil {
		return nil, err
	}
	trickle, err := tdigest.New()
	if err != nil {
		return nil, err
	}
	return &latencyDigests{commit: commit, trickle: trickle}, nil
}

func (d *latencyDigests) observeCommit(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commit.AddWeighted(float64(elapsed.Microseconds()), 1)
}

func (d *latencyDigests) observeTrickle(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trickle.AddWeighted(float64(elapsed.Microseconds()), 1)
}

// quantile returns the q-th quantile of one named digest, in microseconds.
func (d *latencyDigests) quantile(which string, q float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch which {
	case "commit":
		return d.commit.Quantile(q)
	case "trickle":
		return d.trickle.Quantile(q)
	default:
		return 0
	}
}

// Stats is a point-in-time snapshot of engine health and performance,
// exposed for operators and tests (spec §8 scenario 6: "observable via
// instrumentation hook").
type Stats struct {
	CommitLatencyP50Micros  float64
	CommitLatencyP99Micros  float64
	TrickleLatencyP50Micros float64
	TrickleLatencyP99Micros float64
	DirtyBytes              int64
	NegativeCacheHitRate    float64
}

// Stats returns a snapshot of current engine metrics.
func (e *Engine) Stats() Stats {
	return Stats{
		CommitLatencyP50Micros:  e.digests.quantile("commit", 0.5),
		CommitLatencyP99Micros:  e.digests.quantile("commit", 0.99),
		TrickleLatencyP50Micros: e.digests.quantile("trickle", 0.5),
		TrickleLatencyP99Micros: e.digests.quantile("trickle", 0.99),
		DirtyBytes:              e.index.DirtyBytes(),
		NegativeCacheHitRate:    e.negCache.HitRate(),
	}
}
