// Package progress turns discrete progress checkpoints into a smoothly
// interpolated, never-decreasing displayed percentage.
package progress

import (
	"math"
	"sync"
	"time"
)

// Reference timings.
const (
	DefaultDuration = 1500 * time.Millisecond
	DefaultFrame    = 16 * time.Millisecond
)

// Frame is one rendered progress state.
type Frame struct {
	Value   float64 `json:"value"`
	Percent int     `json:"percent"`
	Label   string  `json:"label"`
}

// Observer receives every rendered frame. It must not call back into the Animator.
type Observer func(Frame)

// Animator interpolates from a start to an end percentage over a fixed
// duration, re-rendering once per frame interval. A new Animate call
// supersedes any interpolation still in flight.
type Animator struct {
	duration time.Duration
	frame    time.Duration

	mu        sync.Mutex
	current   Frame
	gen       uint64
	stop      chan struct{}
	observers []Observer
}

// NewAnimator creates an Animator. Zero durations fall back to the reference timings.
func NewAnimator(duration, frame time.Duration, observers ...Observer) *Animator {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if frame <= 0 {
		frame = DefaultFrame
	}
	return &Animator{
		duration:  duration,
		frame:     frame,
		observers: observers,
	}
}

// Animate starts interpolating from start to end with the given label. The
// returned channel closes when the interpolation reaches end or is
// superseded. Within one call the rendered value never decreases and never
// passes end.
func (a *Animator) Animate(start, end float64, label string) <-chan struct{} {
	done, _ := a.begin(start, end, label, false)
	return done
}

// Advance is Animate for a checkpoint stream that must never regress: a
// start below the displayed value is raised to it, and a checkpoint whose
// end is not above the displayed value is ignored (reported as false).
func (a *Animator) Advance(start, end float64, label string) (<-chan struct{}, bool) {
	return a.begin(start, end, label, true)
}

func (a *Animator) begin(start, end float64, label string, monotonic bool) (<-chan struct{}, bool) {
	start = clampPercent(start)
	end = clampPercent(end)

	a.mu.Lock()
	if monotonic {
		shown := a.current.Value
		if end <= shown {
			a.mu.Unlock()
			return closedChan(), false
		}
		start = math.Max(start, shown)
	}
	end = math.Max(end, start)
	a.supersede()
	gen := a.gen
	stop := a.stop
	a.mu.Unlock()

	done := make(chan struct{})
	go a.run(gen, stop, done, start, end, label)
	return done, true
}

func (a *Animator) run(gen uint64, stop <-chan struct{}, done chan<- struct{}, start, end float64, label string) {
	defer close(done)

	began := time.Now()
	last := start
	if !a.publish(gen, start, label) || start >= end {
		return
	}

	ticker := time.NewTicker(a.frame)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(began)
			v := start + (end-start)*(float64(elapsed)/float64(a.duration))
			v = math.Min(math.Max(v, last), end)
			last = v
			if !a.publish(gen, v, label) || v >= end {
				return
			}
		}
	}
}

// publish renders v if gen is still the live animation. Observers run under
// the lock so they see frames in render order.
func (a *Animator) publish(gen uint64, v float64, label string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return false
	}
	a.current = Frame{Value: v, Percent: int(math.Round(v)), Label: label}
	a.notify()
	return true
}

// notify fans the current frame out. Caller holds a.mu.
func (a *Animator) notify() {
	for _, o := range a.observers {
		o(a.current)
	}
}

// supersede cancels the running interpolation. Caller holds a.mu.
func (a *Animator) supersede() {
	if a.stop != nil {
		close(a.stop)
	}
	a.gen++
	a.stop = make(chan struct{})
}

// Observe registers an additional observer.
func (a *Animator) Observe(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// Current returns the most recently rendered frame.
func (a *Animator) Current() Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// SetLabel changes the label without moving the value.
func (a *Animator) SetLabel(label string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Label = label
	a.notify()
}

// Reset stops any interpolation and renders 0% with the given label.
func (a *Animator) Reset(label string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.supersede()
	a.current = Frame{Label: label}
	a.notify()
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 100)
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
