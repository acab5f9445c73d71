// Package learner closes the loop between human review outcomes and the
// model router. Observations arrive on a bounded queue and are folded
// into per-analyzer performance stats and a per-complexity-band routing
// bias; a band whose consensus keeps getting overridden drifts toward a
// stronger tier.
package learner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mailsense/mailsense/triage-core/internal/config"
	"github.com/mailsense/mailsense/triage-core/internal/store"
	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

// minSamples is how many observations a band needs before its bias moves.
const minSamples = 5

// persistTimeout bounds the best-effort store writes.
const persistTimeout = 5 * time.Second

type statKey struct {
	Kind models.AnalyzerKind
	Tier models.ModelTier
}

type bandCounts struct {
	Total     int64
	Overrides int64
}

// Learner consumes feedback records asynchronously. It implements the
// router's BiasSource and the review workflow's FeedbackSink.
type Learner struct {
	cfg   config.LearnerConfig
	store store.FeedbackStore

	queue chan models.FeedbackRecord
	done  chan struct{}

	mu     sync.RWMutex
	stats  map[statKey]*models.PerformanceStat
	bands  map[models.ComplexityBand]*bandCounts
	biases map[models.ComplexityBand]float64
}

func New(cfg config.LearnerConfig, fs store.FeedbackStore) *Learner {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Learner{
		cfg:    cfg,
		store:  fs,
		queue:  make(chan models.FeedbackRecord, size),
		done:   make(chan struct{}),
		stats:  make(map[statKey]*models.PerformanceStat),
		bands:  make(map[models.ComplexityBand]*bandCounts),
		biases: make(map[models.ComplexityBand]float64),
	}
}

// Start loads persisted state and begins draining the queue. It returns
// after the load; the drain runs until ctx is cancelled.
func (l *Learner) Start(ctx context.Context) {
	l.load(ctx)
	go l.drain(ctx)
}

// Record enqueues an observation without blocking. When the queue is
// full the observation is dropped; learning is advisory and must never
// stall the pipeline.
func (l *Learner) Record(rec models.FeedbackRecord) {
	select {
	case l.queue <- rec:
	default:
		log.Warn().
			Str("item_id", rec.ItemID).
			Msg("Learner queue full, observation dropped")
	}
}

// Bias returns the routing bias for a complexity band. The value is
// added to the composite score before tier thresholding.
func (l *Learner) Bias(band models.ComplexityBand) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.biases[band]
}

// Stats returns a snapshot of per-analyzer performance aggregates.
func (l *Learner) Stats() []models.PerformanceStat {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.PerformanceStat, 0, len(l.stats))
	for _, s := range l.stats {
		out = append(out, *s)
	}
	return out
}

// Wait blocks until the drain goroutine has exited.
func (l *Learner) Wait() {
	<-l.done
}

func (l *Learner) drain(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case rec := <-l.queue:
			l.apply(rec)
		case <-ctx.Done():
			// Flush whatever is already queued before exiting.
			for {
				select {
				case rec := <-l.queue:
					l.apply(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Learner) apply(rec models.FeedbackRecord) {
	l.mu.Lock()

	for _, kind := range rec.Kinds {
		key := statKey{Kind: kind, Tier: rec.Tier}
		s, ok := l.stats[key]
		if !ok {
			s = &models.PerformanceStat{Kind: kind, Tier: rec.Tier}
			l.stats[key] = s
		}
		s.AvgConfidence = (s.AvgConfidence*float64(s.Total) + rec.Confidence) / float64(s.Total+1)
		s.Total++
		if rec.Approved && !rec.Overridden {
			s.Successes++
		}
		if rec.Overridden {
			s.Overrides++
		}
	}

	bc, ok := l.bands[rec.Band]
	if !ok {
		bc = &bandCounts{}
		l.bands[rec.Band] = bc
	}
	bc.Total++
	if rec.Overridden {
		bc.Overrides++
	}

	bias := l.biases[rec.Band]
	if bc.Total >= minSamples {
		rate := float64(bc.Overrides) / float64(bc.Total)
		switch {
		case rate > l.cfg.OverrideThreshold:
			// Consensus in this band keeps getting corrected; push the
			// band toward a stronger tier.
			bias = clamp(bias+l.cfg.BiasStep, l.cfg.MaxBias)
		case rate < l.cfg.OverrideThreshold/2:
			// Band is behaving; decay the bias back toward neutral.
			bias = clamp(bias-l.cfg.BiasStep/2, l.cfg.MaxBias)
			if bias < 0 {
				bias = 0
			}
		}
		l.biases[rec.Band] = bias
	}

	statsCopy := make([]models.PerformanceStat, 0, len(rec.Kinds))
	for _, kind := range rec.Kinds {
		if s, ok := l.stats[statKey{Kind: kind, Tier: rec.Tier}]; ok {
			statsCopy = append(statsCopy, *s)
		}
	}
	l.mu.Unlock()

	l.persist(rec.Band, bias, statsCopy)
}

// persist writes the updated aggregates. Failures are logged and
// forgotten; in-memory state remains authoritative for this process.
func (l *Learner) persist(band models.ComplexityBand, bias float64, stats []models.PerformanceStat) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := l.store.SaveBias(ctx, band, bias); err != nil {
		log.Warn().Err(err).Str("band", string(band)).Msg("Failed to persist routing bias")
	}
	for i := range stats {
		if err := l.store.UpsertPerformanceStat(ctx, &stats[i]); err != nil {
			log.Warn().Err(err).Str("kind", string(stats[i].Kind)).Msg("Failed to persist performance stat")
		}
	}
}

func (l *Learner) load(ctx context.Context) {
	if l.store == nil {
		return
	}
	biases, err := l.store.ListBiases(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load routing biases, starting neutral")
	} else {
		l.mu.Lock()
		for band, v := range biases {
			l.biases[band] = v
		}
		l.mu.Unlock()
	}
	stats, err := l.store.ListPerformanceStats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load performance stats")
		return
	}
	l.mu.Lock()
	for i := range stats {
		s := stats[i]
		l.stats[statKey{Kind: s.Kind, Tier: s.Tier}] = &s
	}
	l.mu.Unlock()
}

func clamp(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}
