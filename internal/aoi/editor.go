package aoi

import (
	"sync"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/notify"
)

// Errors returned by the editor lifecycle.
var (
	ErrDetached        = eris.New("aoi: editor is not attached to a layer")
	ErrAlreadyAttached = eris.New("aoi: editor is already attached")
)

// EventKind identifies a drawing event.
type EventKind int

const (
	ShapeCreated EventKind = iota + 1
	ShapeEdited
	ShapeDeleted
)

func (k EventKind) String() string {
	switch k {
	case ShapeCreated:
		return "created"
	case ShapeEdited:
		return "edited"
	case ShapeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a draw-complete, edit-complete or delete gesture on the layer.
// Created carries one shape; Edited carries every shape the edit touched.
type Event struct {
	Kind   EventKind
	Shapes []Feature
}

// ChangeFunc is called with the current AOI (nil when cleared) after every
// state change.
type ChangeFunc func(current *AOI)

// Option configures an Editor.
type Option func(*Editor)

// WithAreaFunc overrides the area measurement, in km².
func WithAreaFunc(fn func(*geom.Polygon) float64) Option {
	return func(e *Editor) { e.area = fn }
}

// WithNotifier sets where area warnings are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Editor) { e.notifier = n }
}

// Recorder counts shapes rejected for exceeding the ceiling.
type Recorder interface {
	ObserveAreaRejection(event string)
}

// WithRecorder sets the rejection recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Editor) { e.recorder = r }
}

// Editor validates drawn shapes against the area ceiling and keeps the
// display layer in step with the AOI history.
type Editor struct {
	maxKm2   float64
	area     func(*geom.Polygon) float64
	notifier notify.Notifier
	recorder Recorder
	log      *zap.Logger

	mu        sync.Mutex
	layer     Layer
	history   History
	listeners []ChangeFunc
}

// NewEditor creates an editor with the given area ceiling in km².
func NewEditor(maxKm2 float64, opts ...Option) *Editor {
	if maxKm2 <= 0 {
		maxKm2 = DefaultMaxAreaKm2
	}
	e := &Editor{
		maxKm2:   maxKm2,
		area:     AreaKm2,
		notifier: notify.Discard{},
		log:      zap.L().With(zap.String("component", "aoi")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MaxAreaKm2 returns the configured ceiling.
func (e *Editor) MaxAreaKm2() float64 { return e.maxKm2 }

// Attach binds the editor to a layer. Only one layer may be attached.
func (e *Editor) Attach(layer Layer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.layer != nil {
		return ErrAlreadyAttached
	}
	e.layer = layer
	return nil
}

// Detach unbinds the layer. The AOI history is kept.
func (e *Editor) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.layer = nil
}

// OnChange registers fn to be called after every AOI change.
func (e *Editor) OnChange(fn ChangeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Current returns the active AOI or nil.
func (e *Editor) Current() *AOI {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Current()
}

// LastValid returns the most recently accepted AOI or nil.
func (e *Editor) LastValid() *AOI {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.LastValid()
}

// Handle dispatches a typed event to the matching handler.
func (e *Editor) Handle(ev Event) error {
	switch ev.Kind {
	case ShapeCreated:
		if len(ev.Shapes) != 1 {
			return eris.Errorf("aoi: created event carries %d shapes, want 1", len(ev.Shapes))
		}
		return e.OnShapeCreated(ev.Shapes[0])
	case ShapeEdited:
		return e.OnShapeEdited(ev.Shapes...)
	case ShapeDeleted:
		ids := make([]FeatureID, 0, len(ev.Shapes))
		for _, f := range ev.Shapes {
			ids = append(ids, f.ID)
		}
		return e.OnShapeDeleted(ids...)
	default:
		return eris.Errorf("aoi: unknown event kind %d", ev.Kind)
	}
}

// OnShapeCreated validates a newly drawn shape. An accepted shape is placed
// on the layer and becomes current and last-valid. Shapes over the ceiling
// are removed from the layer and both history slots are cleared; the
// returned error is then an *AreaExceededError.
func (e *Editor) OnShapeCreated(f Feature) error {
	if err := checkPolygon(f.Polygon); err != nil {
		return err
	}

	e.mu.Lock()
	if e.layer == nil {
		e.mu.Unlock()
		return ErrDetached
	}

	measured := e.area(f.Polygon)
	if err := CheckArea(measured, e.maxKm2); err != nil {
		e.layer.Remove(f.ID)
		e.history.Clear()
		e.mu.Unlock()

		e.warn(ShapeCreated, err)
		e.changed()
		return err
	}

	f.Editable = true
	f.Polygon = f.Polygon.Clone()
	e.layer.Add(f)
	e.history.Accept(newMeasured(f.ID, f.Polygon, measured))
	e.mu.Unlock()

	e.log.Debug("aoi: shape accepted",
		zap.String("feature_id", string(f.ID)),
		zap.Float64("area_km2", measured),
	)
	e.changed()
	return nil
}

// OnShapeEdited validates each edited shape independently. A shape over the
// ceiling is reverted to the last-valid AOI, or removed when there is none.
// The last violation, if any, is returned as an *AreaExceededError.
func (e *Editor) OnShapeEdited(shapes ...Feature) error {
	for _, f := range shapes {
		if err := checkPolygon(f.Polygon); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.layer == nil {
		e.mu.Unlock()
		return ErrDetached
	}

	var violation error
	for _, f := range shapes {
		measured := e.area(f.Polygon)
		if CheckArea(measured, e.maxKm2) == nil {
			f.Editable = true
			f.Polygon = f.Polygon.Clone()
			e.layer.Add(f)
			e.history.Accept(newMeasured(f.ID, f.Polygon, measured))
			continue
		}

		violation = &AreaExceededError{Measured: measured, Max: e.maxKm2, Edited: true}
		if prev := e.history.Revert(); prev != nil {
			e.layer.Clear()
			e.layer.Add(Feature{ID: prev.FeatureID(), Polygon: prev.Polygon(), Editable: true})
		} else {
			e.layer.Remove(f.ID)
			e.history.ClearCurrent()
		}
	}
	e.mu.Unlock()

	if violation != nil {
		e.warn(ShapeEdited, violation)
	}
	e.changed()
	return violation
}

// OnShapeDeleted removes the deleted shapes from the layer and clears both
// history slots.
func (e *Editor) OnShapeDeleted(ids ...FeatureID) error {
	e.mu.Lock()
	if e.layer != nil {
		for _, id := range ids {
			e.layer.Remove(id)
		}
	}
	e.history.Clear()
	e.mu.Unlock()

	e.changed()
	return nil
}

// Reset clears the layer and both history slots. It does not require a
// user gesture and works while detached.
func (e *Editor) Reset() {
	e.mu.Lock()
	if e.layer != nil {
		e.layer.Clear()
	}
	e.history.Clear()
	e.mu.Unlock()

	e.changed()
}

func (e *Editor) warn(kind EventKind, err error) {
	e.log.Warn("aoi: area ceiling exceeded", zap.Stringer("event", kind), zap.String("message", err.Error()))
	if e.recorder != nil {
		e.recorder.ObserveAreaRejection(kind.String())
	}
	e.notifier.Notify(notify.Notification{
		ID:      notify.SharedID,
		Level:   notify.LevelWarning,
		Title:   "Area too large",
		Message: err.Error(),
	})
}

func (e *Editor) changed() {
	e.mu.Lock()
	current := e.history.Current()
	listeners := append([]ChangeFunc(nil), e.listeners...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(current)
	}
}
