package main

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/analysis"
	"github.com/sells-group/agroscope-cli/internal/aoi"
	"github.com/sells-group/agroscope-cli/internal/basemap"
	"github.com/sells-group/agroscope-cli/internal/config"
	"github.com/sells-group/agroscope-cli/internal/district"
	"github.com/sells-group/agroscope-cli/internal/landcover"
	"github.com/sells-group/agroscope-cli/internal/metrics"
	"github.com/sells-group/agroscope-cli/internal/notify"
	"github.com/sells-group/agroscope-cli/internal/progress"
	"github.com/sells-group/agroscope-cli/internal/server"
)

// session wires one editor, advisor and pipeline from configuration.
type session struct {
	Metrics    *metrics.Metrics
	Notices    *notify.Center
	Layer      *aoi.MemoryLayer
	Editor     *aoi.Editor
	Tiles      *basemap.Client
	Classifier *landcover.Classifier
	Advisor    *landcover.Advisor
	Pipeline   *analysis.Pipeline
	Districts  *district.Layer
}

// newSession builds a session. observers receive every progress frame.
func newSession(c *config.Config, observers ...progress.Observer) (*session, error) {
	s := &session{
		Metrics: metrics.New(),
		Layer:   aoi.NewMemoryLayer(),
	}
	s.Notices = notify.NewCenter(time.Duration(c.Notify.DurationMs)*time.Millisecond, notify.LogSink())

	s.Editor = aoi.NewEditor(c.AOI.MaxAreaKm2,
		aoi.WithNotifier(s.Notices),
		aoi.WithRecorder(s.Metrics),
	)
	if err := s.Editor.Attach(s.Layer); err != nil {
		return nil, eris.Wrap(err, "session: attach editor")
	}

	s.Tiles = basemap.NewFromConfig(c.Basemap, basemap.WithRecorder(s.Metrics))
	if c.Landcover.Enabled {
		s.Classifier = landcover.NewClassifier(s.Tiles, landcover.WithRecorder(s.Metrics))
	}
	s.Advisor = landcover.NewAdvisor(s.Classifier, c.Landcover.Zoom)
	s.Editor.OnChange(s.Advisor.Observe)

	anim := progress.NewAnimator(
		time.Duration(c.Progress.DurationMs)*time.Millisecond,
		time.Duration(c.Progress.FrameMs)*time.Millisecond,
		observers...,
	)
	client := analysis.NewClient(c.Analysis.BaseURL, analysis.WithEndpoint(c.Analysis.Endpoint))
	s.Pipeline = analysis.New(client, analysis.NewWebsocketDialer(c.Analysis.ProgressURL),
		analysis.WithAnimator(anim),
		analysis.WithNotifier(s.Notices),
		analysis.WithRecorder(s.Metrics),
		analysis.WithSettle(c.Analysis.Settle()),
		analysis.WithTimeout(c.Analysis.Timeout()),
		analysis.WithRangeMonths(c.Analysis.RangeMonths),
	)

	if c.District.Path != "" {
		layer, err := district.Load(c.District.Path, district.Options{
			NameField: c.District.NameField,
			Encoding:  c.District.Encoding,
		})
		if err != nil {
			return nil, err
		}
		s.Districts = layer
		zap.L().Info("district layer loaded",
			zap.String("path", c.District.Path),
			zap.Int("districts", layer.Len()),
		)
	}

	return s, nil
}

// Server returns the session as served over HTTP.
func (s *session) Server() server.Session {
	return server.Session{
		Editor:    s.Editor,
		Layer:     s.Layer,
		Pipeline:  s.Pipeline,
		Notices:   s.Notices,
		Advisor:   s.Advisor,
		Districts: s.Districts,
		Tiles:     s.Tiles,
		Metrics:   s.Metrics,
	}
}

// Close stops background work.
func (s *session) Close() {
	s.Advisor.Cancel()
	s.Advisor.Wait()
	s.Pipeline.Reset()
	s.Editor.Detach()
}

// readShapes reads the GeoJSON shapes in path.
func readShapes(path string) ([]aoi.Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	shapes, err := aoi.ParseFeatures(data)
	if err != nil {
		return nil, err
	}
	for i := range shapes {
		if shapes[i].ID == "" {
			shapes[i].ID = aoi.FeatureID(uuid.NewString())
		}
	}
	return shapes, nil
}
