package landcover

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/aoi"
)

// State is the advisor's view of the current AOI.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateUniform  State = "uniform"
	StateMixed    State = "mixed"
	StateUnknown  State = "unknown"
	StateDisabled State = "disabled"
)

// Advice is the latest advisory verdict.
type Advice struct {
	State     State         `json:"state"`
	FeatureID aoi.FeatureID `json:"feature_id,omitempty"`
	Result    *Result       `json:"result,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Flag is the land-cover flag sent with an analysis request: true unless
// the check produced a definite negative verdict.
func (a Advice) Flag() bool {
	return a.State != StateMixed
}

// Advisor runs Classify in the background whenever the AOI changes. A scan
// for a superseded AOI is cancelled and its result discarded.
type Advisor struct {
	classifier *Classifier
	zoom       int
	log        *zap.Logger

	mu      sync.Mutex
	gen     uint64
	target  *aoi.AOI
	cancel  context.CancelFunc
	advice  Advice
	running sync.WaitGroup
	onAdv   []func(Advice)
}

// NewAdvisor creates an advisor. A nil classifier disables the check.
func NewAdvisor(c *Classifier, zoom int) *Advisor {
	state := StateIdle
	if c == nil {
		state = StateDisabled
	}
	return &Advisor{
		classifier: c,
		zoom:       zoom,
		log:        zap.L().With(zap.String("component", "landcover")),
		advice:     Advice{State: state, UpdatedAt: time.Now().UTC()},
	}
}

// OnAdvice registers fn to be called with every applied verdict.
func (a *Advisor) OnAdvice(fn func(Advice)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAdv = append(a.onAdv, fn)
}

// Advice returns the latest verdict.
func (a *Advisor) Advice() Advice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advice
}

// Observe starts a scan for current, or cancels any scan when current is nil.
// It has the shape of an aoi.ChangeFunc.
func (a *Advisor) Observe(current *aoi.AOI) {
	if current == nil {
		a.Cancel()
		return
	}
	a.Start(current)
}

// Start scans area in the background, superseding any running scan.
// Starting again for the AOI already being scanned is a no-op.
func (a *Advisor) Start(area *aoi.AOI) {
	a.mu.Lock()
	if a.classifier == nil {
		a.mu.Unlock()
		return
	}
	if a.target == area && a.advice.State != StateIdle {
		a.mu.Unlock()
		return
	}

	a.supersede()
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.target = area
	gen := a.gen
	a.advice = Advice{State: StatePending, FeatureID: area.FeatureID(), UpdatedAt: time.Now().UTC()}
	a.running.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.running.Done()
		defer cancel()

		res, err := a.classifier.Classify(ctx, area, a.zoom)
		adv := Advice{FeatureID: area.FeatureID(), UpdatedAt: time.Now().UTC()}
		switch {
		case err != nil:
			adv.State = StateUnknown
		case res.Uniform:
			adv.State = StateUniform
			adv.Result = &res
		default:
			adv.State = StateMixed
			adv.Result = &res
		}
		a.apply(gen, adv)
	}()
}

// Cancel abandons any running scan and clears the verdict.
func (a *Advisor) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.supersede()
	a.target = nil
	if a.classifier != nil {
		a.advice = Advice{State: StateIdle, UpdatedAt: time.Now().UTC()}
	}
}

// Wait blocks until no scan is running.
func (a *Advisor) Wait() {
	a.running.Wait()
}

// supersede must be called with a.mu held.
func (a *Advisor) supersede() {
	a.gen++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *Advisor) apply(gen uint64, adv Advice) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		a.log.Debug("landcover: discarding stale scan", zap.String("feature_id", string(adv.FeatureID)))
		return
	}
	a.advice = adv
	a.cancel = nil
	listeners := append([]func(Advice){}, a.onAdv...)
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(adv)
	}
}
