package etl

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// Observer is notified as a run progresses. Errors are logged and never
// change the run's outcome.
type Observer interface {
	RunStarted(ctx context.Context, run *model.RunResult) error
	EntityFinished(ctx context.Context, runID string, res model.EntityResult) error
	RunFinished(ctx context.Context, run *model.RunResult) error
}

// Options tunes the orchestrator.
type Options struct {
	Format             Format
	StagingPrefix      string
	SourcePrefix       string
	ParallelDimensions bool
	Now                func() time.Time
}

// Orchestrator sequences entity pipelines (extract, transform, stage, load,
// merge) in dependency order and reports per-entity outcomes. It never
// retries; merges are idempotent so callers may simply rerun.
type Orchestrator struct {
	catalog   Catalog
	source    Source
	stager    *Stager
	wh        Warehouse
	dims      *DimensionMerger
	facts     *FactMerger
	transform *Transformer
	opts      Options
	observers []Observer
	tracer    trace.Tracer
	log       *zap.Logger
}

// NewOrchestrator wires an orchestrator over the given source, staging
// store and warehouse.
func NewOrchestrator(catalog Catalog, src Source, store ObjectStore, wh Warehouse, opts Options, observers ...Observer) *Orchestrator {
	if opts.Format.Delimiter == 0 {
		opts.Format = DefaultFormat()
	}
	if opts.StagingPrefix == "" {
		opts.StagingPrefix = "etl-staging"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		catalog:   catalog,
		source:    src,
		stager:    NewStager(store, opts.StagingPrefix, opts.Format),
		wh:        wh,
		dims:      NewDimensionMerger(wh),
		facts:     NewFactMerger(wh),
		transform: NewTransformer(opts.Format),
		opts:      opts,
		observers: observers,
		tracer:    otel.Tracer("github.com/jconover/medrobotics-etl/internal/etl"),
		log:       zap.L().With(zap.String("component", "etl.orchestrator")),
	}
}

type runState struct {
	id      string
	params  model.RunParams
	runDate time.Time
	loader  *Loader
	fatal   atomic.Bool
}

// Run executes one invocation. The returned result is always non-nil; the
// error is non-nil whenever the run did not fully succeed.
func (o *Orchestrator) Run(ctx context.Context, req model.RunRequest) (*model.RunResult, error) {
	now := o.opts.Now().UTC()
	st := &runState{id: uuid.NewString(), runDate: now}
	result := &model.RunResult{
		RunID:         st.id,
		Status:        model.RunStatusRunning,
		ETLType:       model.RunType(req.ETLType),
		Timestamp:     now.Format(time.RFC3339),
		RecordsLoaded: map[string]int64{},
	}
	log := o.log.With(zap.String("run_id", st.id))

	ctx, span := o.tracer.Start(ctx, "etl.run", trace.WithAttributes(attribute.String("etl.run_id", st.id)))
	defer span.End()

	// Observers pair every RunFinished with a RunStarted, including
	// requests rejected below.
	o.notify(func(ob Observer) error { return ob.RunStarted(ctx, result) })

	params, err := req.Params(now, o.opts.SourcePrefix)
	if err != nil {
		return o.finish(ctx, span, result, err)
	}
	st.params = params
	result.ETLType = params.Type
	span.SetAttributes(attribute.String("etl.type", string(params.Type)))

	entities, err := o.catalog.Select(params.Type)
	if err != nil {
		return o.finish(ctx, span, result, err)
	}
	st.loader = NewLoader(o.wh, o.opts.Format, st.id)

	log.Info("run started",
		zap.String("etl_type", string(params.Type)),
		zap.Time("start", params.Start),
		zap.Time("end", params.End),
		zap.Int("entities", len(entities)),
	)

	result.Entities = make([]model.EntityResult, len(entities))
	failed := make(map[string]bool)
	for _, wave := range waves(entities) {
		o.runWave(ctx, st, entities, wave, failed, result)
	}

	var msgs []string
	for _, e := range result.Entities {
		if e.Status == model.EntitySuccess {
			result.RecordsLoaded[e.Entity] = e.Inserted
		}
		if e.Status == model.EntityFailed {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Entity, e.Error))
		}
	}
	if len(msgs) > 0 {
		return o.finish(ctx, span, result, eris.New(strings.Join(msgs, "; ")))
	}
	return o.finish(ctx, span, result, nil)
}

func (o *Orchestrator) runWave(ctx context.Context, st *runState, entities []Entity, wave []int, failed map[string]bool, result *model.RunResult) {
	var runnable []int
	for _, i := range wave {
		e := entities[i]
		if reason := skipReason(e, failed, st); reason != "" {
			result.Entities[i] = model.EntityResult{Entity: e.Name, Status: model.EntitySkipped, Stage: model.StageIdle, Error: reason}
			failed[e.Name] = true
			o.log.Warn("entity skipped", zap.String("entity", e.Name), zap.String("reason", reason))
			continue
		}
		runnable = append(runnable, i)
	}

	parallel := o.opts.ParallelDimensions && len(runnable) > 1
	for _, i := range runnable {
		parallel = parallel && entities[i].IsDimension()
	}

	if parallel {
		var g errgroup.Group
		for _, i := range runnable {
			g.Go(func() error {
				result.Entities[i] = o.runEntity(ctx, st, entities[i])
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, i := range runnable {
			if st.fatal.Load() {
				result.Entities[i] = model.EntityResult{Entity: entities[i].Name, Status: model.EntitySkipped, Stage: model.StageIdle, Error: "run aborted"}
				continue
			}
			result.Entities[i] = o.runEntity(ctx, st, entities[i])
		}
	}

	for _, i := range wave {
		if result.Entities[i].Status != model.EntitySuccess {
			failed[entities[i].Name] = true
		}
	}
}

func skipReason(e Entity, failed map[string]bool, st *runState) string {
	if st.fatal.Load() {
		return "run aborted"
	}
	for _, dep := range e.DependsOn {
		if failed[dep] {
			return fmt.Sprintf("dependency %s did not complete", dep)
		}
	}
	return ""
}

// waves groups entity indexes so each group depends only on earlier ones.
// Dependencies outside the selection are ignored.
func waves(entities []Entity) [][]int {
	level := make(map[string]int, len(entities))
	var out [][]int
	for i, e := range entities {
		l := 0
		for _, dep := range e.DependsOn {
			if dl, ok := level[dep]; ok && dl+1 > l {
				l = dl + 1
			}
		}
		level[e.Name] = l
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], i)
	}
	return out
}

func (o *Orchestrator) runEntity(ctx context.Context, st *runState, e Entity) model.EntityResult {
	start := time.Now()
	res := model.EntityResult{Entity: e.Name, Stage: model.StageIdle}
	log := o.log.With(zap.String("run_id", st.id), zap.String("entity", e.Name))

	ctx, span := o.tracer.Start(ctx, "etl.entity", trace.WithAttributes(attribute.String("etl.entity", e.Name)))
	defer span.End()

	err := o.pipeline(ctx, st, e, &res, log)
	res.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		kind := KindOf(err, stageKind(res.Stage))
		if IsFatal(err) {
			kind = KindFatal
			st.fatal.Store(true)
		}
		failedAt := res.Stage
		res.Status = model.EntityFailed
		res.ErrorKind = string(kind)
		res.Error = fmt.Sprintf("%s: %v", failedAt, err)
		res.Stage = model.StageFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		log.Error("entity failed",
			zap.String("stage", string(failedAt)),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	} else {
		res.Status = model.EntitySuccess
		res.Stage = model.StageCompleted
		log.Info("entity complete",
			zap.Int("extracted", res.Extracted),
			zap.Int("rejected", res.Rejected),
			zap.Int64("inserted", res.Inserted),
			zap.String("elapsed", res.Elapsed),
		)
	}

	o.notify(func(ob Observer) error { return ob.EntityFinished(ctx, st.id, res) })
	return res
}

func (o *Orchestrator) pipeline(ctx context.Context, st *runState, e Entity, res *model.EntityResult, log *zap.Logger) error {
	enter := func(s model.Stage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Debug("stage", zap.String("from", string(res.Stage)), zap.String("to", string(s)))
		res.Stage = s
		return nil
	}

	if err := enter(model.StageExtracting); err != nil {
		return err
	}
	ext, err := o.source.Read(ctx, e.Name, Window{Start: st.params.Start, End: st.params.End, Prefix: st.params.SourcePrefix})
	if err != nil {
		return wrapKind(err, KindSourceUnavailable)
	}
	res.Extracted = len(ext.Records)
	res.FilesSkipped = ext.FilesSkipped

	if err := enter(model.StageTransforming); err != nil {
		return err
	}
	var stats TransformStats
	rows := o.transform.Transform(e, ext.Records, &stats)

	// Staging pulls rows through the lazy transform.
	if err := enter(model.StageStaging); err != nil {
		return err
	}
	staged, err := o.stager.Stage(ctx, e.Name, st.params.BatchDate, rows, e.Schema.Names())
	res.Accepted, res.Rejected = stats.Accepted, stats.Rejected
	if stats.Rejected > 0 {
		log.Warn("records rejected", zap.Int("rejected", stats.Rejected), zap.Any("reasons", stats.Reasons))
	}
	if err != nil {
		return wrapKind(err, KindLoadError)
	}
	if staged == nil {
		return nil
	}
	res.StagedRef = staged.Ref

	if err := enter(model.StageLoading); err != nil {
		return err
	}
	table, loaded, err := st.loader.Load(ctx, e.Name, staged.Ref, e.Schema)
	if err != nil {
		return wrapKind(err, KindLoadError)
	}
	defer st.loader.Release(ctx, table)
	res.Loaded = loaded

	if err := enter(model.StageMerging); err != nil {
		return err
	}
	if e.IsDimension() {
		dr, err := o.dims.Merge(ctx, e.Dimension, table, st.runDate)
		if err != nil {
			return wrapKind(err, KindMergeError)
		}
		res.Inserted, res.Expired = dr.Inserted, dr.Expired
		res.Unchanged, res.Duplicates, res.Orphans = dr.Unchanged, dr.Duplicates, dr.Orphans
		return nil
	}
	fr, err := o.facts.Merge(ctx, e.Fact, table)
	if err != nil {
		return wrapKind(err, KindMergeError)
	}
	res.Inserted = fr.Inserted
	res.AlreadyLoaded, res.Duplicates = fr.AlreadyLoaded, fr.Duplicates
	res.Orphans, res.Unresolved = fr.Orphans, fr.Unresolved
	return nil
}

// wrapKind tags err with kind unless it already carries one.
func wrapKind(err error, kind Kind) error {
	return &Error{Kind: KindOf(err, kind), Err: err}
}

func stageKind(s model.Stage) Kind {
	switch s {
	case model.StageExtracting:
		return KindSourceUnavailable
	case model.StageMerging:
		return KindMergeError
	default:
		return KindLoadError
	}
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, result *model.RunResult, err error) (*model.RunResult, error) {
	result.FinishedAt = o.opts.Now().UTC().Format(time.RFC3339)
	if err != nil {
		result.Status = model.RunStatusFailed
		result.Error = err.Error()
		span.SetStatus(codes.Error, result.Error)
	} else {
		result.Status = model.RunStatusSuccess
	}

	o.log.Info("run finished",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Any("records_loaded", result.RecordsLoaded),
	)
	o.notify(func(ob Observer) error { return ob.RunFinished(ctx, result) })
	return result, err
}

func (o *Orchestrator) notify(fn func(Observer) error) {
	for _, ob := range o.observers {
		if err := fn(ob); err != nil {
			o.log.Warn("observer failed", zap.String("observer", fmt.Sprintf("%T", ob)), zap.Error(err))
		}
	}
}
