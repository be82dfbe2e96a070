package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reportflow/internal/domain"
	"reportflow/internal/engine"
	"reportflow/internal/engine/approval"
	"reportflow/internal/engine/gate"
	"reportflow/internal/events"
	"reportflow/internal/repo"
)

var (
	// ErrAlreadyInFlight is returned when another process owns the
	// pending analysis of an artifact.
	ErrAlreadyInFlight = errors.New("analysis already in flight")
	ErrClosed          = errors.New("orchestrator closed")
)

const entityAnalysis = "analysis"

// Options configures an Orchestrator. A nil Gate uses the engine config
// threshold and fallback keywords.
type Options struct {
	Provider  Provider
	Gate      *gate.Gate
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *zap.Logger
}

type job struct {
	recordID   string
	artifactID string
	content    string
	done       chan struct{}

	// started is closed once start has committed or failed; startErr and
	// existing are only read after that.
	started  chan struct{}
	startErr error
	existing string
}

func (j *job) handle(reused bool) domain.JobHandle {
	return domain.JobHandle{RecordID: j.recordID, ArtifactID: j.artifactID, Reused: reused, Done: j.done}
}

// Orchestrator owns the analysis worker pool. At most one job per artifact
// is in flight; the job table here and the partial unique index on
// analysis_records both enforce it.
type Orchestrator struct {
	eng      engine.Engine
	provider Provider
	gate     gate.Gate
	timeout  time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	inflight map[string]*job
	closed   bool
	queue    chan *job
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
}

// New starts opts.Workers workers. Call Close to stop them.
func New(eng engine.Engine, opts Options) *Orchestrator {
	if opts.Provider == nil {
		opts.Provider = StubProvider{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	gt := gate.New(eng.Config.Approval.ConfidenceThreshold, eng.Config.Analysis.Keywords())
	if opts.Gate != nil {
		gt = *opts.Gate
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	o := &Orchestrator{
		eng:      eng,
		provider: opts.Provider,
		gate:     gt,
		timeout:  opts.Timeout,
		log:      opts.Logger.Named("analysis"),
		inflight: map[string]*job{},
		queue:    make(chan *job, opts.QueueSize),
		group:    g,
		ctx:      gctx,
		cancel:   cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for j := range o.queue {
				o.process(j)
			}
			return nil
		})
	}
	return o
}

// Launch starts the analysis of an artifact in SUBMITTED or AI_REJECTED.
// It returns once the job is queued; it never waits for the provider.
// A job already running in this process is returned with Reused set.
func (o *Orchestrator) Launch(ctx context.Context, artifactID string, actor approval.Actor) (domain.JobHandle, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.JobHandle{}, ErrClosed
	}
	if j, ok := o.inflight[artifactID]; ok {
		o.mu.Unlock()
		return o.reuse(ctx, j)
	}
	j := &job{recordID: uuid.NewString(), artifactID: artifactID, done: make(chan struct{}), started: make(chan struct{})}
	o.inflight[artifactID] = j
	o.mu.Unlock()

	existing, err := o.start(ctx, j, actor)
	j.startErr, j.existing = err, existing
	close(j.started)
	if err != nil {
		o.release(j)
		if errors.Is(err, ErrAlreadyInFlight) {
			return domain.JobHandle{RecordID: existing, ArtifactID: artifactID}, err
		}
		return domain.JobHandle{}, err
	}
	o.log.Info("analysis launched", zap.String("artifact_id", artifactID), zap.String("record_id", j.recordID))

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.fail(j, errors.New("shutting down"), 0)
		o.release(j)
		return j.handle(false), nil
	}
	select {
	case o.queue <- j:
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		o.log.Warn("analysis queue full", zap.String("artifact_id", artifactID))
		o.fail(j, errors.New("queue full"), 0)
		o.release(j)
	}
	return j.handle(false), nil
}

// reuse hands back a job launched by another caller once its record is
// committed. A failed start is reported to every caller that joined it.
func (o *Orchestrator) reuse(ctx context.Context, j *job) (domain.JobHandle, error) {
	select {
	case <-j.started:
	case <-ctx.Done():
		return domain.JobHandle{}, ctx.Err()
	}
	if j.startErr != nil {
		if errors.Is(j.startErr, ErrAlreadyInFlight) {
			return domain.JobHandle{RecordID: j.existing, ArtifactID: j.artifactID}, j.startErr
		}
		return domain.JobHandle{}, j.startErr
	}
	return j.handle(true), nil
}

// start inserts the PENDING record and moves the artifact to AI_ANALYZING
// in one unit of work. On ErrAlreadyInFlight it returns the id of the
// record that is already pending.
func (o *Orchestrator) start(ctx context.Context, j *job, actor approval.Actor) (string, error) {
	var existing string
	err := o.eng.Repo.InTx(ctx, func(tx *sql.Tx) error {
		rec, err := o.eng.Repo.InFlightAnalysis(ctx, tx, j.artifactID)
		switch {
		case err == nil:
			existing = rec.ID
			return fmt.Errorf("%w: record %s", ErrAlreadyInFlight, rec.ID)
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		a, err := o.eng.Repo.GetArtifactTx(ctx, tx, j.artifactID)
		if err != nil {
			return err
		}
		req := engine.TransitionRequest{ArtifactID: a.ID, Expected: []approval.State{a.ApprovalStatus}, Target: approval.AIAnalyzing}
		switch a.ApprovalStatus {
		case approval.Submitted:
			req.Trigger = approval.TriggerAnalysisStart
			req.Actor = approval.SystemActor
		case approval.AIRejected:
			req.Trigger = approval.TriggerResubmit
			req.Actor = actor
		default:
			_, err := o.eng.Machine.Next(a.ApprovalStatus, approval.TriggerAnalysisStart, approval.SystemActor, a.CreatorID)
			return err
		}
		j.content = a.Content
		if err := o.eng.Repo.InsertAnalysisRecord(ctx, tx, domain.AnalysisRecord{
			ID:         j.recordID,
			ArtifactID: a.ID,
			Status:     domain.AnalysisPending,
			ProviderID: providerName(o.provider),
			CreatedAt:  o.timestamp(),
		}); err != nil {
			return err
		}
		if _, err := o.eng.TransitionTx(ctx, tx, req); err != nil {
			return err
		}
		return o.eng.Events.Append(ctx, tx, events.AnalysisLaunched, entityAnalysis, j.recordID, req.Actor.ID,
			events.EventPayload{"artifact_id": a.ID, "trigger": string(req.Trigger)})
	})
	return existing, err
}

func (o *Orchestrator) process(j *job) {
	defer o.release(j)
	if err := o.eng.Repo.MarkAnalysisProcessing(o.ctx, j.recordID); err != nil {
		o.log.Warn("analysis record not pending", zap.String("record_id", j.recordID), zap.Error(err))
		return
	}
	start := time.Now()
	out, err := o.call(j.content)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		o.fail(j, err, elapsed)
		return
	}
	verdict := o.gate.Evaluate(out.ResultText, out.Confidence)
	providerID := out.ProviderID
	if providerID == "" {
		providerID = providerName(o.provider)
	}
	if verdict.Degraded {
		providerID += gate.FallbackSuffix
	}
	completed := o.timestamp()
	conf := verdict.Confidence
	rec := domain.AnalysisRecord{
		ID:               j.recordID,
		ArtifactID:       j.artifactID,
		Status:           domain.AnalysisCompleted,
		ResultText:       out.ResultText,
		Confidence:       &conf,
		ProviderID:       providerID,
		Degraded:         verdict.Degraded,
		ProcessingTimeMs: elapsed,
		CompletedAt:      &completed,
	}
	if !o.finish(rec) {
		return
	}
	req := engine.TransitionRequest{
		ArtifactID: j.artifactID,
		Expected:   []approval.State{approval.AIAnalyzing},
		Actor:      approval.AIActor,
		AnalysisID: j.recordID,
	}
	if verdict.Decision == gate.Pass {
		req.Trigger = approval.TriggerAnalysisPass
	} else {
		req.Trigger = approval.TriggerAnalysisReject
		req.Reason = verdict.Reason()
	}
	o.log.Info("analysis completed",
		zap.String("artifact_id", j.artifactID),
		zap.String("record_id", j.recordID),
		zap.Float64("confidence", verdict.Confidence),
		zap.String("decision", string(verdict.Decision)),
		zap.Bool("degraded", verdict.Degraded))
	o.apply(req)
}

// call runs the provider under the wall-clock timeout. A provider that
// ignores its context is abandoned when the timeout fires.
func (o *Orchestrator) call(content string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()
	ch := make(chan Result, 1)
	go func() {
		out, err := o.provider.Analyze(ctx, content)
		ch <- Result{Outcome: out, Err: err}
	}()
	select {
	case res := <-ch:
		if res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) {
			return Outcome{}, ErrProviderTimeout
		}
		return res.Outcome, res.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, ErrProviderTimeout
		}
		return Outcome{}, ctx.Err()
	}
}

// fail records the job as FAILED and rejects the artifact.
func (o *Orchestrator) fail(j *job, cause error, elapsed int64) {
	completed := o.timestamp()
	msg := cause.Error()
	if errors.Is(cause, ErrProviderTimeout) {
		msg = "timeout"
	}
	rec := domain.AnalysisRecord{
		ID:               j.recordID,
		ArtifactID:       j.artifactID,
		Status:           domain.AnalysisFailed,
		ProviderID:       providerName(o.provider),
		Error:            msg,
		ProcessingTimeMs: elapsed,
		CompletedAt:      &completed,
	}
	o.log.Warn("analysis failed",
		zap.String("artifact_id", j.artifactID), zap.String("record_id", j.recordID), zap.Error(cause))
	if !o.finish(rec) {
		return
	}
	o.apply(engine.TransitionRequest{
		ArtifactID: j.artifactID,
		Expected:   []approval.State{approval.AIAnalyzing},
		Trigger:    approval.TriggerAnalysisReject,
		Actor:      approval.AIActor,
		Reason:     "analysis failed: " + msg,
		AnalysisID: j.recordID,
	})
}

// finish writes the terminal record state in its own unit of work so the
// record ends terminal whatever happens to the artifact.
func (o *Orchestrator) finish(rec domain.AnalysisRecord) bool {
	ctx := context.Background()
	err := o.eng.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := o.eng.Repo.FinishAnalysisRecord(ctx, tx, rec); err != nil {
			return err
		}
		return o.eng.Events.Append(ctx, tx, events.AnalysisFinished, entityAnalysis, rec.ID, approval.AIActor.ID,
			events.EventPayload{"artifact_id": rec.ArtifactID, "status": rec.Status, "degraded": rec.Degraded})
	})
	if err != nil {
		o.log.Error("finish analysis record", zap.String("record_id", rec.ID), zap.Error(err))
		return false
	}
	return true
}

func (o *Orchestrator) apply(req engine.TransitionRequest) {
	_, err := o.eng.Transition(context.Background(), req)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrStaleTransition):
		o.log.Info("stale transition ignored",
			zap.String("artifact_id", req.ArtifactID), zap.String("trigger", string(req.Trigger)), zap.Error(err))
	default:
		o.log.Error("apply analysis decision",
			zap.String("artifact_id", req.ArtifactID), zap.String("trigger", string(req.Trigger)), zap.Error(err))
	}
}

func (o *Orchestrator) release(j *job) {
	o.mu.Lock()
	if cur, ok := o.inflight[j.artifactID]; ok && cur == j {
		delete(o.inflight, j.artifactID)
	}
	o.mu.Unlock()
	close(j.done)
}

// Recover fails every PENDING or PROCESSING record this process does not
// own, which after a restart means all of them, and rejects the artifacts
// still waiting on them.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recs, err := o.eng.Repo.ListInFlightAnalyses(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		o.mu.Lock()
		_, owned := o.inflight[rec.ArtifactID]
		o.mu.Unlock()
		if owned {
			continue
		}
		completed := o.timestamp()
		rec.Status = domain.AnalysisFailed
		rec.Error = "interrupted"
		rec.CompletedAt = &completed
		if !o.finish(rec) {
			continue
		}
		o.apply(engine.TransitionRequest{
			ArtifactID: rec.ArtifactID,
			Expected:   []approval.State{approval.AIAnalyzing},
			Trigger:    approval.TriggerAnalysisReject,
			Actor:      approval.AIActor,
			Reason:     "analysis failed: interrupted",
			AnalysisID: rec.ID,
		})
		n++
	}
	if n > 0 {
		o.log.Info("recovered interrupted analyses", zap.Int("count", n))
	}
	return n, nil
}

// Close stops accepting jobs, drains the queue and waits for the workers.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	err := o.group.Wait()
	o.cancel()
	return err
}

func (o *Orchestrator) timestamp() string {
	now := o.eng.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}
