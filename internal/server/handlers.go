package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/analysis"
	"github.com/sells-group/agroscope-cli/internal/aoi"
	"github.com/sells-group/agroscope-cli/internal/landcover"
	"github.com/sells-group/agroscope-cli/internal/notify"
)

type featureView struct {
	ID       aoi.FeatureID   `json:"id"`
	Editable bool            `json:"editable"`
	Geometry json.RawMessage `json:"geometry"`
}

type stateResponse struct {
	Features      []featureView         `json:"features"`
	AOI           *aoi.AOI              `json:"aoi"`
	MaxAreaKm2    float64               `json:"max_area_km2"`
	Analysis      analysis.Status       `json:"analysis"`
	Landcover     *landcover.Advice     `json:"landcover,omitempty"`
	Notifications []notify.Notification `json:"notifications"`
	Error         string                `json:"error,omitempty"`
}

func (s *Server) state() stateResponse {
	st := stateResponse{
		Features:      []featureView{},
		AOI:           s.sess.Editor.Current(),
		MaxAreaKm2:    s.sess.Editor.MaxAreaKm2(),
		Analysis:      s.sess.Pipeline.Status(),
		Notifications: []notify.Notification{},
	}
	if s.sess.Layer != nil {
		for _, f := range s.sess.Layer.Features() {
			geom, err := geojson.Marshal(f.Polygon)
			if err != nil {
				s.log.Warn("server: encode feature", zap.String("feature_id", string(f.ID)), zap.Error(err))
				continue
			}
			st.Features = append(st.Features, featureView{ID: f.ID, Editable: f.Editable, Geometry: geom})
		}
	}
	if s.sess.Advisor != nil {
		adv := s.sess.Advisor.Advice()
		st.Landcover = &adv
	}
	if s.sess.Notices != nil {
		st.Notifications = append(st.Notifications, s.sess.Notices.Active()...)
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

// readShapes decodes the GeoJSON body into features, giving id-less shapes
// a fresh id.
func readShapes(w http.ResponseWriter, r *http.Request) ([]aoi.Feature, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
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

// editResult writes the session state. Area violations are recoverable and
// reported as 422 alongside the reverted state.
func (s *Server) editResult(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, s.state())
		return
	}

	var exceeded *aoi.AreaExceededError
	if errors.As(err, &exceeded) {
		st := s.state()
		st.Error = exceeded.Error()
		writeJSON(w, http.StatusUnprocessableEntity, st)
		return
	}
	if errors.Is(err, aoi.ErrDetached) {
		writeError(w, http.StatusConflict, "editor is not attached")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func (s *Server) handleCreated(w http.ResponseWriter, r *http.Request) {
	shapes, err := readShapes(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid geojson: "+err.Error())
		return
	}
	if len(shapes) != 1 {
		writeError(w, http.StatusBadRequest, "a created event carries exactly one polygon")
		return
	}
	s.editResult(w, s.sess.Editor.OnShapeCreated(shapes[0]))
}

func (s *Server) handleEdited(w http.ResponseWriter, r *http.Request) {
	shapes, err := readShapes(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid geojson: "+err.Error())
		return
	}
	s.editResult(w, s.sess.Editor.OnShapeEdited(shapes...))
}

func (s *Server) handleDeleted(w http.ResponseWriter, _ *http.Request) {
	var ids []aoi.FeatureID
	if s.sess.Layer != nil {
		for _, f := range s.sess.Layer.Features() {
			ids = append(ids, f.ID)
		}
	}
	s.editResult(w, s.sess.Editor.OnShapeDeleted(ids...))
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.sess.Editor.Reset()
	s.sess.Pipeline.Reset()
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var dates analysis.DateInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&dates); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flag := true
	if s.sess.Advisor != nil {
		flag = s.sess.Advisor.Advice().Flag()
	}

	_, err := s.sess.Pipeline.Submit(s.ctx, analysis.Submission{
		AOI:   s.sess.Editor.Current(),
		Dates: dates,
		Flag:  flag,
	})
	var ve *analysis.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.state())
	case errors.Is(err, analysis.ErrBusy):
		writeError(w, http.StatusConflict, "an analysis is already in progress")
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, ve.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ds := analysis.Dataset(chi.URLParam(r, "dataset"))
	if ds != analysis.DatasetS1 && ds != analysis.DatasetS2 {
		writeError(w, http.StatusNotFound, "unknown dataset")
		return
	}

	data, name, err := s.sess.Pipeline.Export(ds)
	if err != nil {
		var mp *analysis.MissingPayloadError
		if errors.As(err, &mp) {
			writeError(w, http.StatusNotFound, mp.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if s.sess.Notices != nil {
		s.sess.Notices.Dismiss(chi.URLParam(r, "id"))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDistricts(w http.ResponseWriter, _ *http.Request) {
	if s.sess.Districts == nil {
		writeError(w, http.StatusNotFound, "district layer not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.sess.Districts)
}

func (s *Server) handleDistrictAt(w http.ResponseWriter, r *http.Request) {
	if s.sess.Districts == nil {
		writeError(w, http.StatusNotFound, "district layer not configured")
		return
	}

	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}

	d, ok := s.sess.Districts.At(lon, lat)
	if !ok {
		writeError(w, http.StatusNotFound, "no district at point")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       d.Name,
		"area_km2":   d.AreaKm2(),
		"properties": d.Properties,
	})
}
