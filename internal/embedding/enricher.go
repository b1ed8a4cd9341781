package embedding

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/graph"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/retry"
)

// DefaultLabels are the node labels embedded when none are configured.
var DefaultLabels = []string{"CDE", "DEC", "VDM", "PV"}

// Options tunes an enrichment run.
type Options struct {
	Labels      []string
	Property    string
	Similarity  string
	BatchSize   int // texts per embedding call
	Concurrency int // embedding calls in flight
	PageSize    int // targets read from the graph at a time
	CallTimeout time.Duration
	Retry       retry.Config
	Force       bool // clear existing embeddings first
}

// DefaultOptions returns the settings used by enrich-embeddings.
func DefaultOptions() Options {
	return Options{
		Labels:      DefaultLabels,
		Property:    DefaultProperty,
		Similarity:  "cosine",
		BatchSize:   100,
		Concurrency: 4,
		PageSize:    1000,
		CallTimeout: 30 * time.Second,
		Retry:       retry.DefaultConfig(),
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if len(o.Labels) == 0 {
		o.Labels = d.Labels
	}
	if o.Property == "" {
		o.Property = d.Property
	}
	if o.Similarity == "" {
		o.Similarity = d.Similarity
	}
	if o.BatchSize < 1 {
		o.BatchSize = d.BatchSize
	}
	if o.Concurrency < 1 {
		o.Concurrency = d.Concurrency
	}
	if o.PageSize < 1 {
		o.PageSize = d.PageSize
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry = d.Retry
	}
}

// Enricher writes embeddings onto nodes that have a definition but no
// vector yet. Nodes whose text cannot be embedded are left unset and
// picked up again by the next run.
type Enricher struct {
	graph    graph.Backend
	embedder Embedder
	cache    *Cache
	limiter  Limiter
	failures dlq.Recorder
	opts     Options
	logger   *logrus.Logger
	now      func() time.Time
}

// NewEnricher creates an enricher. Cache, limiter and failure ledger are
// optional and set with the With* methods.
func NewEnricher(backend graph.Backend, embedder Embedder, opts Options, logger *logrus.Logger) *Enricher {
	opts.normalize()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Enricher{
		graph:    backend,
		embedder: embedder,
		failures: dlq.Nop{},
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// WithCache serves repeated texts from c.
func (e *Enricher) WithCache(c *Cache) *Enricher {
	e.cache = c
	return e
}

// WithLimiter throttles every embedding call through l.
func (e *Enricher) WithLimiter(l Limiter) *Enricher {
	e.limiter = l
	return e
}

// WithFailures records texts that could not be embedded.
func (e *Enricher) WithFailures(r dlq.Recorder) *Enricher {
	if r != nil {
		e.failures = r
	}
	return e
}

// Run enriches every configured label.
func (e *Enricher) Run(ctx context.Context, runID string) (*metrics.StageStats, error) {
	stats := metrics.NewStageStats(metrics.StageEnrich, runID)
	err := e.run(ctx, stats)
	stats.Finish(err)

	e.logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"model":    e.embedder.Model(),
		"embedded": stats.Total(metrics.Embedded),
		"cached":   stats.Total(metrics.Cached),
		"failed":   stats.Total(metrics.Failed),
		"duration": stats.Duration.Round(time.Millisecond).String(),
	}).Info("Embedding enrichment finished")
	return stats, err
}

func (e *Enricher) run(ctx context.Context, stats *metrics.StageStats) error {
	schema := graph.SchemaOptions{}
	if dims := e.embedder.Dimensions(); dims > 0 {
		schema.VectorLabels = e.opts.Labels
		schema.VectorProperty = e.opts.Property
		schema.Dimensions = dims
		schema.Similarity = e.opts.Similarity
	} else {
		e.logger.Warn("Embedding dimensions unknown, vector indexes not created")
	}
	if err := e.graph.EnsureSchema(ctx, schema); err != nil {
		return e.graphErr(ctx, err, "ensuring vector indexes failed")
	}

	if e.opts.Force {
		for _, label := range e.opts.Labels {
			cleared, err := e.graph.ClearEmbeddings(ctx, label, e.opts.Property)
			if err != nil {
				return e.graphErr(ctx, err, "clearing %s embeddings failed", label)
			}
			e.logger.WithFields(logrus.Fields{"label": label, "cleared": cleared}).Info("Cleared existing embeddings")
		}
	}

	pending, err := e.failures.PendingKeys(ctx, metrics.StageEnrich)
	if err != nil {
		e.logger.WithError(err).Warn("Could not load recorded embedding failures; they will not be cleared this run")
	}

	for _, label := range e.opts.Labels {
		if err := e.EnrichLabel(ctx, label, pending, stats); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enricher) graphErr(ctx context.Context, err error, format string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Unavailable(err, format, args...)
}

// EnrichLabel pages through the label's nodes that still lack a vector.
// The cursor moves past every page, so nodes that fail stay unset without
// being read again in the same run.
func (e *Enricher) EnrichLabel(ctx context.Context, label string, pending map[string]bool, stats *metrics.StageStats) error {
	log := e.logger.WithFields(logrus.Fields{"stage": metrics.StageEnrich, "label": label})
	after := ""
	for {
		targets, err := e.graph.PendingEmbeddings(ctx, label, e.opts.Property, after, e.opts.PageSize)
		if err != nil {
			return e.graphErr(ctx, err, "reading %s embedding targets failed", label)
		}
		if len(targets) == 0 {
			break
		}
		after = targets[len(targets)-1].ID

		if err := e.enrichPage(ctx, label, targets, pending, stats); err != nil {
			return err
		}
		log.WithField("nodes", len(targets)).Debug("Embedded page")
		if len(targets) < e.opts.PageSize {
			break
		}
	}

	log.WithFields(logrus.Fields{
		"embedded": stats.Get(label, metrics.Embedded),
		"cached":   stats.Get(label, metrics.Cached),
		"failed":   stats.Get(label, metrics.Failed),
	}).Info("Label enriched")
	return nil
}

func (e *Enricher) enrichPage(ctx context.Context, label string, targets []graph.EmbeddingTarget, pending map[string]bool, stats *metrics.StageStats) error {
	model := e.embedder.Model()

	// identical definitions share one vector
	byText := make(map[string][]string)
	var texts []string
	for _, t := range targets {
		if _, seen := byText[t.Text]; !seen {
			texts = append(texts, t.Text)
		}
		byText[t.Text] = append(byText[t.Text], t.ID)
	}

	vectors := make(map[string][]float32, len(texts))
	cached := make(map[string]bool)
	if e.cache != nil {
		hits, err := e.cache.Get(model, texts)
		if err != nil {
			e.logger.WithError(err).Warn("Embedding cache unavailable for this page")
		}
		dims := e.embedder.Dimensions()
		for t, v := range hits {
			if dims > 0 && len(v) != dims {
				continue
			}
			vectors[t] = v
			cached[t] = true
		}
	}

	var misses []string
	for _, t := range texts {
		if _, ok := vectors[t]; !ok {
			misses = append(misses, t)
		}
	}

	fresh, failed, err := e.embedAll(ctx, misses)
	if err != nil {
		return err
	}
	for t, v := range fresh {
		vectors[t] = v
	}
	if e.cache != nil {
		if err := e.cache.Put(model, fresh); err != nil {
			e.logger.WithError(err).Warn("Failed to cache embeddings")
		}
	}

	var writes []graph.NodeVector
	for _, t := range texts {
		if v, ok := vectors[t]; ok {
			for _, id := range byText[t] {
				writes = append(writes, graph.NodeVector{ID: id, Vector: v})
			}
		}
	}
	if len(writes) > 0 {
		meta := graph.EmbeddingMeta{Model: model, EmbeddedAt: e.now()}
		if _, err := e.graph.SetEmbeddings(ctx, label, e.opts.Property, writes, meta); err != nil {
			return e.graphErr(ctx, err, "writing %d %s embeddings failed", len(writes), label)
		}
	}

	for _, t := range texts {
		ids := byText[t]
		if cause, bad := failed[t]; bad {
			stats.Add(label, metrics.Failed, int64(len(ids)))
			for _, id := range ids {
				key := label + ":" + id
				if err := e.failures.Record(ctx, dlq.Failure{
					Stage:     metrics.StageEnrich,
					Category:  errors.ExternalServiceFailure,
					EntityKey: key,
					Err:       errors.External(cause, "embedding %s with %s failed", label, model),
				}); err != nil {
					e.logger.WithError(err).WithField("key", key).Warn("Failed to record embedding failure")
				}
			}
			continue
		}

		outcome := metrics.Embedded
		if cached[t] {
			outcome = metrics.Cached
		}
		stats.Add(label, outcome, int64(len(ids)))
		for _, id := range ids {
			if key := label + ":" + id; pending[key] {
				if err := e.failures.Resolve(ctx, metrics.StageEnrich, key); err != nil {
					e.logger.WithError(err).WithField("key", key).Warn("Failed to clear embedding failure")
				}
			}
		}
	}
	return nil
}

// embedAll embeds texts in chunks with bounded concurrency. Texts that
// could not be embedded come back in failed; the error is only set when
// the context ends.
func (e *Enricher) embedAll(ctx context.Context, texts []string) (map[string][]float32, map[string]error, error) {
	out := make(map[string][]float32, len(texts))
	failed := make(map[string]error)
	if len(texts) == 0 {
		return out, failed, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for start := 0; start < len(texts); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]
		g.Go(func() error {
			vecs, errs := e.embedChunk(gctx, chunk)
			if err := gctx.Err(); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for t, v := range vecs {
				out[t] = v
			}
			for t, err := range errs {
				failed[t] = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, failed, nil
}

// embedChunk embeds one chunk. If the chunk keeps failing it is split into
// single-text calls so one bad text does not sink the rest.
func (e *Enricher) embedChunk(ctx context.Context, texts []string) (map[string][]float32, map[string]error) {
	out := make(map[string][]float32, len(texts))
	failed := make(map[string]error)

	vecs, err := e.call(ctx, texts)
	if err == nil {
		for i, t := range texts {
			out[t] = vecs[i]
		}
		return out, failed
	}
	if ctx.Err() != nil {
		return out, failed
	}
	if len(texts) == 1 {
		failed[texts[0]] = err
		return out, failed
	}

	e.logger.WithError(err).WithField("texts", len(texts)).Warn("Embedding chunk failed, retrying texts one by one")
	for _, t := range texts {
		vecs, err := e.call(ctx, []string{t})
		if ctx.Err() != nil {
			return out, failed
		}
		if err != nil {
			failed[t] = err
			continue
		}
		out[t] = vecs[0]
	}
	return out, failed
}

// call is one rate-limited, time-boxed embedding request with retries.
func (e *Enricher) call(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, estimateTokens(texts)); err != nil {
				return err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()

		vecs, err := e.embedder.Embed(cctx, texts)
		if err != nil {
			return err
		}
		if err := checkVectors(texts, vecs, e.embedder.Dimensions()); err != nil {
			return retry.Permanent(err)
		}
		vectors = vecs
		return nil
	})
	return vectors, err
}
