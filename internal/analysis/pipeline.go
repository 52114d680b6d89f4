// Package analysis submits an AOI and date range to the remote analysis
// service. A submission joins two channels: the request/response call that
// carries the result, and an out-of-band progress stream whose checkpoints
// drive a single monotonic progress indicator.
package analysis

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/agroscope-cli/internal/aoi"
	"github.com/sells-group/agroscope-cli/internal/notify"
	"github.com/sells-group/agroscope-cli/internal/progress"
)

// State is the pipeline lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Status labels rendered by the pipeline.
const (
	LabelPreparing = "Preparing request..."
	LabelGeoJSON   = "Creating GeoJSON Data..."
	LabelRendering = "Rendering Results..."
	LabelReady     = "Ready for next request."
)

// DefaultSettle is the delay between a run ending and busy state resetting.
const DefaultSettle = time.Second

// Submission is one submit action.
type Submission struct {
	AOI   *aoi.AOI
	Dates DateInput
	// Flag is sent as the land-cover flag.
	Flag bool
}

// Status is a snapshot of the pipeline.
type Status struct {
	ID       string         `json:"id,omitempty"`
	State    State          `json:"state"`
	Busy     bool           `json:"busy"`
	Progress progress.Frame `json:"progress"`
	Warning  string         `json:"warning,omitempty"`
	Error    string         `json:"error,omitempty"`
	Result   *Result        `json:"result,omitempty"`
}

// Recorder receives submission metrics.
type Recorder interface {
	StartSubmission()
	FinishSubmission(status string, d time.Duration)
	ObserveCheckpoint()
}

type nopRecorder struct{}

func (nopRecorder) StartSubmission()                      {}
func (nopRecorder) FinishSubmission(string, time.Duration) {}
func (nopRecorder) ObserveCheckpoint()                    {}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAnimator sets the progress animator.
func WithAnimator(a *progress.Animator) Option {
	return func(p *Pipeline) {
		if a != nil {
			p.anim = a
		}
	}
}

// WithNotifier sets where user-facing errors and warnings go.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithSettle sets the delay before busy state resets after a run ends.
func WithSettle(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.settle = d
		}
	}
}

// WithTimeout bounds the analysis request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

// WithRangeMonths sets the fixed date-range length.
func WithRangeMonths(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.months = n
		}
	}
}

// Pipeline runs at most one submission at a time.
type Pipeline struct {
	client   Client
	dialer   ProgressDialer
	anim     *progress.Animator
	notifier notify.Notifier
	recorder Recorder
	settle   time.Duration
	timeout  time.Duration
	months   int
	log      *zap.Logger

	mu      sync.Mutex
	gen     uint64
	busy    bool
	state   State
	id      string
	warning string
	result  *Result
	err     error
	cancel  context.CancelFunc
}

// New creates a Pipeline that sends requests through client and opens
// progress channels with dialer.
func New(client Client, dialer ProgressDialer, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:   client,
		dialer:   dialer,
		notifier: notify.Discard{},
		recorder: nopRecorder{},
		settle:   DefaultSettle,
		months:   DefaultRangeMonths,
		state:    StateIdle,
		log:      zap.L().With(zap.String("component", "analysis")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.anim == nil {
		p.anim = progress.NewAnimator(progress.DefaultDuration, progress.DefaultFrame)
	}
	return p
}

// Animator returns the progress animator the pipeline drives.
func (p *Pipeline) Animator() *progress.Animator { return p.anim }

// Submit validates the submission and starts it in the background. The
// returned channel closes once the run has ended and busy state is released.
// Precondition failures are notified and returned without any network
// activity; a submission while another is in flight returns ErrBusy.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (<-chan struct{}, error) {
	if sub.AOI == nil || len(sub.AOI.Polygon().Coords()) == 0 {
		notify.Error(p.notifier, ErrNoAOI.Message)
		return nil, ErrNoAOI
	}
	dr, warning, err := Resolve(sub.Dates, p.months)
	if err != nil {
		notify.Error(p.notifier, userMessage(err))
		return nil, err
	}

	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		p.log.Debug("analysis: submit ignored while busy")
		return nil, ErrBusy
	}
	p.busy = true
	p.gen++
	gen := p.gen
	p.id = uuid.NewString()
	p.state = StateSubmitting
	p.warning = warning
	p.result = nil
	p.err = nil
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	req := Request{ID: p.id, AOI: sub.AOI, Range: dr, Flag: sub.Flag}
	p.mu.Unlock()

	if warning != "" {
		p.notifier.Notify(notify.Notification{
			ID:      notify.SharedID,
			Level:   notify.LevelWarning,
			Title:   "Invalid date range",
			Message: warning,
		})
	}

	p.log.Info("analysis: submitting",
		zap.String("request_id", req.ID),
		zap.String("feature_id", string(sub.AOI.FeatureID())),
		zap.Float64("area_km2", sub.AOI.AreaKm2()),
		zap.String("range", dr.Label()),
		zap.Bool("flag", sub.Flag),
	)

	p.anim.Reset(LabelPreparing)
	p.anim.Animate(0, 10, LabelGeoJSON)

	done := make(chan struct{})
	go p.run(runCtx, cancel, gen, req, done)
	return done, nil
}

func (p *Pipeline) run(ctx context.Context, cancel context.CancelFunc, gen uint64, req Request, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	start := time.Now()
	p.recorder.StartSubmission()

	res, err := p.execute(ctx, gen, req)
	outcome := p.finish(gen, res, err)
	p.recorder.FinishSubmission(outcome, time.Since(start))

	if p.settle > 0 {
		t := time.NewTimer(p.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	p.release(gen)
}

// execute runs both channels and joins them. The progress channel is closed
// on every path.
func (p *Pipeline) execute(ctx context.Context, gen uint64, req Request) (*Result, error) {
	ch, err := p.dialer.Dial(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			p.log.Debug("analysis: close progress channel", zap.Error(cerr))
		}
	}()

	if !p.setState(gen, StateRunning) {
		return nil, context.Canceled
	}

	var (
		resp     *Response
		reqErr   error
		chanErr  error
		released = make(chan struct{})
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rctx := gctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(gctx, p.timeout)
			defer cancel()
		}
		r, err := p.client.FetchIndices(rctx, req)
		if err != nil {
			reqErr = err
			return err
		}
		resp = r
		close(released)
		return nil
	})
	g.Go(func() error {
		err := ch.Watch(gctx, released, func(cp Checkpoint) {
			p.applyCheckpoint(gen, cp)
		})
		if err != nil {
			chanErr = err
			return err
		}
		return nil
	})
	_ = g.Wait()

	if chanErr != nil {
		if resp != nil {
			p.log.Debug("analysis: discarding response after channel error", zap.String("request_id", req.ID))
		}
		return nil, chanErr
	}
	if reqErr != nil {
		return nil, reqErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !p.setState(gen, StateFinalizing) {
		return nil, context.Canceled
	}

	overlay, err := ParseOverlay(resp.Output.Map)
	if err != nil {
		return nil, &RequestError{Message: "Invalid prediction map", Err: err}
	}

	rendered := p.advance(gen, LabelRendering)
	select {
	case <-rendered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &Result{
		AreaKm2:       req.AOI.AreaKm2(),
		DateLabel:     req.Range.Label(),
		Coverage:      resp.Output.Metrics,
		Overlay:       overlay,
		PredictionMap: resp.Output.Map,
		S1:            resp.Results.S1,
		S2:            resp.Results.S2,
	}, nil
}

// applyCheckpoint renders a checkpoint if gen is still the live run.
// Checkpoints that would move the display backwards are ignored.
func (p *Pipeline) applyCheckpoint(gen uint64, cp Checkpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.recorder.ObserveCheckpoint()
	if _, ok := p.anim.Advance(cp.Start, cp.End, cp.Label); !ok {
		p.log.Debug("analysis: stale checkpoint ignored",
			zap.Float64("start", cp.Start),
			zap.Float64("end", cp.End),
			zap.String("label", cp.Label),
		)
	}
}

// advance starts the final rendering phase from max(displayed, 90) to 100.
func (p *Pipeline) advance(gen uint64, label string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	from := math.Max(p.anim.Current().Value, 90)
	done, ok := p.anim.Advance(from, 100, label)
	if !ok {
		p.anim.SetLabel(label)
	}
	return done
}

func (p *Pipeline) setState(gen uint64, s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return false
	}
	p.state = s
	return true
}

// finish records the outcome of run gen and returns its metrics label.
func (p *Pipeline) finish(gen uint64, res *Result, err error) string {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return "cancelled"
	}
	id := p.id
	if err == nil {
		p.state = StateCompleted
		p.result = res
		p.mu.Unlock()
		p.log.Info("analysis: completed",
			zap.String("request_id", id),
			zap.Float64("ragi_coverage", res.Coverage.Ragi),
			zap.Float64("non_ragi_coverage", res.Coverage.NonRagi),
			zap.Int("overlay_points", len(res.Overlay)),
		)
		return "completed"
	}

	p.state = StateFailed
	p.err = err
	p.mu.Unlock()

	p.log.Error("analysis: failed", zap.String("request_id", id), zap.Error(err))
	notify.Error(p.notifier, userMessage(err))
	return "failed"
}

// release clears busy state after the settle delay. The result or error
// stays visible.
func (p *Pipeline) release(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.busy = false
	p.cancel = nil
	p.anim.Reset(LabelReady)
}

// Reset abandons any run in flight and clears the result, error and
// progress. Work from the abandoned run is discarded.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.busy = false
	p.state = StateIdle
	p.id = ""
	p.warning = ""
	p.result = nil
	p.err = nil
	p.anim.Reset("")
}

// Busy reports whether a submission holds the single-flight slot.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Result returns the last completed result, or nil.
func (p *Pipeline) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Err returns the error of the last failed run, or nil.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		ID:       p.id,
		State:    p.state,
		Busy:     p.busy,
		Progress: p.anim.Current(),
		Warning:  p.warning,
		Result:   p.result,
	}
	if p.err != nil {
		st.Error = userMessage(p.err)
	}
	return st
}

// Export returns a raw payload of the last result for download. A missing
// payload is notified.
func (p *Pipeline) Export(ds Dataset) ([]byte, string, error) {
	data, name, err := p.Result().Export(ds)
	if err != nil {
		var mp *MissingPayloadError
		if errors.As(err, &mp) {
			notify.Error(p.notifier, mp.Error())
		}
		return nil, "", err
	}
	return data, name, nil
}
