package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/cdegraph/internal/config"
	"github.com/rohankatakam/cdegraph/internal/dlq"
	"github.com/rohankatakam/cdegraph/internal/embedding"
	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/graph"
	"github.com/rohankatakam/cdegraph/internal/ingestion"
	"github.com/rohankatakam/cdegraph/internal/linking"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/models"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
	"github.com/rohankatakam/cdegraph/internal/storage"
	"github.com/rohankatakam/cdegraph/internal/sync"
)

// stageFlags are the command line overrides shared by the stage commands.
type stageFlags struct {
	source       string
	workers      int
	maxErrorRate float64
	kinds        []string
	links        []string
	labels       []string
	force        bool
	noCache      bool
	interleave   bool
	stages       []string
}

func addSourceFlags(cmd *cobra.Command, f *stageFlags) {
	cmd.Flags().StringVar(&f.source, "source", "", "directory (or single file) of caDSR XML exports")
}

func addCommonFlags(cmd *cobra.Command, f *stageFlags) {
	cmd.Flags().IntVar(&f.workers, "workers", 0, "parallel workers within a stage (default from config)")
	cmd.Flags().Float64Var(&f.maxErrorRate, "max-error-rate", 0, "error rate above which the run exits with code 1")
}

func addGraphFlags(cmd *cobra.Command, f *stageFlags) {
	cmd.Flags().StringSliceVar(&f.kinds, "kinds", nil, "entity kinds to load (CDE,DEC,OC,PR,VDM,PV)")
	cmd.Flags().StringSliceVar(&f.links, "links", nil, "link tables to load (e.g. cde_vdm,pv_ncit)")
}

func addEmbedFlags(cmd *cobra.Command, f *stageFlags) {
	cmd.Flags().StringSliceVar(&f.labels, "labels", nil, "node labels to enrich (default CDE,DEC,VDM,PV)")
	cmd.Flags().BoolVar(&f.force, "force", false, "clear existing embeddings and embed everything again")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "do not read or write the local embedding cache")
}

// applyFlags copies explicitly set flags over the loaded config.
func (f *stageFlags) applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("source") {
		c.Source.Dir = f.source
	}
	if flags.Changed("workers") {
		c.Pipeline.Workers = f.workers
	}
	if flags.Changed("max-error-rate") {
		c.Pipeline.MaxErrorRate = f.maxErrorRate
	}
	if flags.Changed("interleave") {
		c.Pipeline.Interleave = f.interleave
	}
}

// app holds the opened resources of one command invocation.
type app struct {
	runID   string
	store   storage.Store
	graph   graph.Backend
	ledger  *dlq.Queue
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func needsGraph(stages []string) bool {
	for _, s := range stages {
		if s == metrics.StageLoadNodes || s == metrics.StageLoadEdges || s == metrics.StageEnrich {
			return true
		}
	}
	return false
}

func hasStage(stages []string, names ...string) bool {
	for _, s := range stages {
		for _, n := range names {
			if s == n {
				return true
			}
		}
	}
	return false
}

// validateFor checks the config for everything the stages need.
func validateFor(stages []string) error {
	var contexts []config.ValidationContext
	if hasStage(stages, metrics.StageNormalize, metrics.StageExtractLinks) {
		contexts = append(contexts, config.ValidationContextSource)
	}
	if hasStage(stages, metrics.StageLoadNodes, metrics.StageLoadEdges) {
		contexts = append(contexts, config.ValidationContextGraph)
	}
	if hasStage(stages, metrics.StageEnrich) {
		contexts = append(contexts, config.ValidationContextEmbed)
	}
	if len(contexts) == 0 {
		contexts = append(contexts, config.ValidationContextStore)
	}

	var problems []string
	for _, vc := range contexts {
		res := cfg.Validate(vc)
		for _, w := range res.Warnings {
			logger.WithField("context", vc).Warn(w)
		}
		problems = append(problems, res.Errors...)
	}
	if len(problems) > 0 {
		return errors.ConfigErrorf("configuration validation failed:\n  - %s", strings.Join(dedupe(problems), "\n  - "))
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func openStore(ctx context.Context) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Storage.Type {
	case string(storage.DialectPostgres):
		store, err = storage.NewPostgresStore(ctx, cfg.Storage.PostgresURL(),
			storage.PostgresOptions{MaxOpenConns: cfg.Storage.MaxOpenConns}, logger.Logger)
	default:
		store, err = storage.NewSQLiteStore(ctx, cfg.Storage.SQLitePath, logger.Logger)
	}
	if err != nil {
		return nil, errors.Unavailable(err, "open %s schema store", cfg.Storage.Type)
	}
	return store, nil
}

func openGraph(ctx context.Context) (graph.Backend, error) {
	backend, err := graph.NewNeo4jBackend(ctx, graph.Neo4jConfig{
		URI:                   cfg.Neo4j.URI,
		Username:              cfg.Neo4j.User,
		Password:              cfg.Neo4j.Password,
		Database:              cfg.Neo4j.Database,
		MaxConnectionPoolSize: cfg.Neo4j.MaxPoolSize,
	}, logger.Logger)
	if err != nil {
		return nil, errors.Unavailable(err, "connect to neo4j at %s", cfg.Neo4j.URI)
	}
	return backend, nil
}

// openApp opens the store, and the graph when a stage needs it.
func openApp(ctx context.Context, stages []string, runID string) (*app, error) {
	a := &app{runID: runID}
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })
	a.ledger = dlq.NewQueue(store.DB(), runID, logger.Logger)

	if needsGraph(stages) {
		backend, err := openGraph(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.graph = backend
		a.closers = append(a.closers, func() { backend.Close(context.Background()) })
	}
	return a, nil
}

func newSource() (*ingestion.Source, error) {
	files, err := ingestion.WalkSourceFiles(cfg.Source.Dir)
	if err != nil {
		return nil, errors.ConfigErrorf("%v", err)
	}
	if len(files.XML) == 0 {
		logger.WithField("dir", cfg.Source.Dir).Warn("No XML files found in source directory")
	}
	for _, skipped := range files.Skipped {
		logger.WithField("file", skipped).Debug("Ignoring non-XML file")
	}
	return &ingestion.Source{
		Files: files.XML,
		Mapper: ingestion.NewMapper(ingestion.MapperOptions{
			SkipRetired:    cfg.Source.SkipRetired,
			EnumeratedOnly: cfg.Source.EnumeratedOnly,
			ConceptOrigin:  cfg.Source.ConceptOrigin,
		}),
		MaxRecordBytes: cfg.Source.MaxRecordBytes,
		Logger:         logger.Logger,
	}, nil
}

func parseKinds(names []string) ([]models.Kind, error) {
	var kinds []models.Kind
	for _, n := range names {
		k, err := models.ParseKind(n)
		if err != nil {
			return nil, errors.ConfigErrorf("%v", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func parseLinks(names []string) ([]models.LinkType, error) {
	var links []models.LinkType
	for _, n := range names {
		lt, err := models.ParseLinkType(strings.ToLower(strings.TrimSpace(n)))
		if err != nil {
			return nil, errors.ConfigErrorf("%v", err)
		}
		links = append(links, lt)
	}
	return links, nil
}

// newEnricher wires the embedding provider, cache, limiter and ledger.
func newEnricher(ctx context.Context, a *app, f *stageFlags) (*embedding.Enricher, error) {
	e := cfg.Embedding
	embedder, err := embedding.New(ctx, embedding.Config{
		Provider:   embedding.Provider(e.Provider),
		Model:      e.Model,
		APIKey:     e.APIKey,
		BaseURL:    e.BaseURL,
		Dimensions: e.Dimensions,
	})
	if err != nil {
		return nil, errors.ConfigErrorf("embedding provider: %v", err)
	}

	opts := embedding.DefaultOptions()
	if len(f.labels) > 0 {
		kinds, err := parseKinds(f.labels)
		if err != nil {
			return nil, err
		}
		opts.Labels = nil
		for _, k := range kinds {
			opts.Labels = append(opts.Labels, string(k))
		}
	}
	opts.Property = e.Property
	opts.Similarity = e.Similarity
	opts.BatchSize = e.BatchSize
	opts.Concurrency = e.Concurrency
	opts.CallTimeout = e.CallTimeout
	opts.Retry.MaxAttempts = e.MaxRetries + 1
	opts.Force = f.force

	enricher := embedding.NewEnricher(a.graph, embedder, opts, logger.Logger).WithFailures(a.ledger)

	if e.CachePath != "" && !f.noCache {
		cache, err := embedding.OpenCache(e.CachePath)
		if err != nil {
			logger.WithError(err).WithField("path", e.CachePath).Warn("Embedding cache unavailable, continuing without it")
		} else {
			enricher.WithCache(cache)
			a.closers = append(a.closers, func() { cache.Close() })
		}
	}

	limits := embedding.LimitConfig{
		RequestsPerMinute: int64(e.RequestsPerMinute),
		TokensPerMinute:   int64(e.TokensPerMinute),
		RequestsPerDay:    int64(e.RequestsPerDay),
	}
	if e.RedisAddr != "" {
		limiter, err := embedding.NewRedisLimiter(ctx, e.RedisAddr, e.RedisPassword, e.RedisDB, embedder.Model(), limits, logger.Logger)
		if err != nil {
			logger.WithError(err).WithField("addr", e.RedisAddr).Warn("Shared rate limiter unavailable, using a local one")
			enricher.WithLimiter(embedding.NewLocalLimiter(limits))
		} else {
			enricher.WithLimiter(limiter)
			a.closers = append(a.closers, func() { limiter.Close() })
		}
	} else {
		enricher.WithLimiter(embedding.NewLocalLimiter(limits))
	}

	logger.WithField("provider", e.Provider).
		WithField("model", embedder.Model()).
		WithField("dimensions", embedder.Dimensions()).
		Debug("Embedding provider ready")
	return enricher, nil
}

// newRunner builds the components the stages need.
func newRunner(ctx context.Context, a *app, stages []string, f *stageFlags) (*pipeline.Runner, error) {
	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	batches := graph.BatchConfig{
		NodeBatchSize: cfg.Pipeline.NodeBatchSize,
		EdgeBatchSize: cfg.Pipeline.EdgeBatchSize,
	}

	var c pipeline.Components
	if hasStage(stages, metrics.StageNormalize, metrics.StageExtractLinks) {
		src, err := newSource()
		if err != nil {
			return nil, err
		}
		c.Source = src
		c.Normalizer = ingestion.NewNormalizer(a.store, a.ledger, logger.Logger, workers)
		c.Extractor = linking.NewExtractor(a.store, logger.Logger, workers)
	}
	if hasStage(stages, metrics.StageLoadNodes) {
		c.Nodes = sync.NewNodeSyncer(a.store, a.graph, batches, workers, logger.Logger)
	}
	if hasStage(stages, metrics.StageLoadEdges) {
		c.Edges = sync.NewEdgeSyncer(a.store, a.graph, a.ledger, batches, workers, logger.Logger)
	}
	if hasStage(stages, metrics.StageEnrich) {
		enricher, err := newEnricher(ctx, a, f)
		if err != nil {
			return nil, err
		}
		c.Enricher = enricher
	}

	kinds, err := parseKinds(f.kinds)
	if err != nil {
		return nil, err
	}
	links, err := parseLinks(f.links)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(c, pipeline.Options{
		Workers:      workers,
		Interleave:   cfg.Pipeline.Interleave,
		MaxErrorRate: cfg.Pipeline.MaxErrorRate,
		Kinds:        kinds,
		Links:        links,
	}, logger.Logger), nil
}

// runStages is the body of every stage command and of run.
func runStages(cmd *cobra.Command, f *stageFlags, names []string) error {
	ctx := cmd.Context()
	f.applyFlags(cmd, cfg)

	stages, err := pipeline.OrderStages(names)
	if err != nil {
		return err
	}
	if err := validateFor(stages); err != nil {
		return err
	}
	out, err := formatter()
	if err != nil {
		return err
	}

	runID := pipeline.NewRunID()
	a, err := openApp(ctx, stages, runID)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := newRunner(ctx, a, stages, f)
	if err != nil {
		return err
	}

	summary, runErr := runner.Run(ctx, stages, runID)
	if summary != nil && len(summary.Stages) > 0 {
		if err := out.Summary(summary, cmd.OutOrStdout()); err != nil {
			logger.WithError(err).Warn("Failed to print run summary")
		}
	}
	if runErr != nil && ctx.Err() != nil {
		return errors.Wrap(runErr, errors.Internal, "run interrupted")
	}
	return runErr
}
