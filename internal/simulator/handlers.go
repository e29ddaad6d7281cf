package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/smileynet/astrocam/internal/backend"
)

// Handler returns the HTTP surface of the simulated backend.
func (s *Simulator) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(backend.PathStatus, s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(backend.PathCameraList, s.handleCameraList).Methods(http.MethodGet)
	r.HandleFunc(backend.PathCameraConnect, s.handleCameraConnect).Methods(http.MethodPost)
	r.HandleFunc(backend.PathCameraDisconnect, s.handleCameraDisconnect).Methods(http.MethodPost)
	r.HandleFunc(backend.PathCameraConfig, s.handleCameraConfig).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc(backend.PathCameraPreview, s.handlePreview).Methods(http.MethodPost)
	r.HandleFunc(backend.PathCaptureStart, s.handleCaptureStart).Methods(http.MethodPost)
	r.HandleFunc(backend.PathCaptureStop, s.handleCaptureStop).Methods(http.MethodPost)
	r.HandleFunc(backend.PathCaptureStatus, s.handleCaptureStatus).Methods(http.MethodGet)
	r.HandleFunc(backend.PathCaptureLastImage, s.handleLastImage).Methods(http.MethodGet)
	r.HandleFunc(backend.PathGuiderConnect, s.handleGuiderConnect).Methods(http.MethodPost)
	r.HandleFunc(backend.PathGuiderDisconnect, s.handleGuiderDisconnect).Methods(http.MethodPost)
	r.Use(s.injectFailures)
	return r
}

// injectFailures answers with a queued application error, if any.
func (s *Simulator) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if msg, queued := s.takeFailure(r.URL.Path); queued {
			fail(w, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"status": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, body)
}

func fail(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]any{"status": false, "error": msg})
}

func (s *Simulator) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.appStatus()
	if st.Locked {
		ok(w, map[string]any{"locked": true})
		return
	}
	ok(w, map[string]any{
		"camera_list":      st.CameraList,
		"camera_config":    st.CameraConfig,
		"capturing":        st.Capturing,
		"camera_connected": st.CameraConnected,
		"guider_connected": st.GuiderConnected,
		"last_capture":     st.LastCapture,
	})
}

func (s *Simulator) handleCameraList(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]any{"camera_list": s.cameraList()})
}

func (s *Simulator) handleCameraConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.connectCamera(r.FormValue("port")); err != nil {
		fail(w, "Failed to connect camera: "+err.Error())
		return
	}
	ok(w, nil)
}

func (s *Simulator) handleCameraDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.disconnectCamera()
	ok(w, nil)
}

func (s *Simulator) handleCameraConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			fail(w, "Failed to parse camera configuration: "+err.Error())
			return
		}
		values := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			values[k] = r.PostForm.Get(k)
		}
		if err := s.setConfig(values); err != nil {
			fail(w, "Failed to set camera configuration: "+err.Error())
			return
		}
	}
	cfg := s.config()
	if cfg == nil {
		writeJSON(w, map[string]any{"status": false})
		return
	}
	ok(w, map[string]any{"config": cfg})
}

func (s *Simulator) handlePreview(w http.ResponseWriter, r *http.Request) {
	exposure, err := strconv.ParseFloat(r.FormValue("exposure"), 64)
	if err != nil {
		fail(w, "Failed getting camera preview: invalid exposure")
		return
	}
	img, err := s.preview(exposure)
	if err != nil {
		fail(w, "Failed getting camera preview: "+err.Error())
		return
	}
	ok(w, map[string]any{"image_data": img})
}

func (s *Simulator) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	p, err := parseCaptureParams(r)
	if err != nil {
		fail(w, "Failed starting capture process: "+err.Error())
		return
	}
	if err := s.startCapture(p); err != nil {
		fail(w, "Failed starting capture process: "+err.Error())
		return
	}
	ok(w, nil)
}

func (s *Simulator) handleCaptureStop(w http.ResponseWriter, _ *http.Request) {
	s.stopCapture()
	ok(w, nil)
}

func (s *Simulator) handleCaptureStatus(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]any{"capture_status": s.captureStatus()})
}

func (s *Simulator) handleLastImage(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]any{"image_data": s.lastImage()})
}

func (s *Simulator) handleGuiderConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.connectGuider(r.FormValue("host")); err != nil {
		fail(w, "Failed connecting to guider: "+err.Error())
		return
	}
	ok(w, nil)
}

func (s *Simulator) handleGuiderDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.disconnectGuider()
	ok(w, nil)
}

func parseCaptureParams(r *http.Request) (backend.CaptureParams, error) {
	var p backend.CaptureParams
	var err error
	floats := []struct {
		name string
		dst  *float64
	}{
		{"exposure", &p.Exposure},
		{"dither_px", &p.DitherPx},
		{"settle_px", &p.SettlePx},
		{"settle_time", &p.SettleTime},
		{"settle_timeout", &p.SettleTimeout},
	}
	for _, f := range floats {
		if *f.dst, err = strconv.ParseFloat(r.FormValue(f.name), 64); err != nil {
			return p, fmt.Errorf("invalid %s", f.name)
		}
	}
	if p.Captures, err = strconv.Atoi(r.FormValue("captures")); err != nil {
		return p, errors.New("invalid captures")
	}
	if p.DitherN, err = strconv.Atoi(r.FormValue("dither_n")); err != nil {
		return p, errors.New("invalid dither_n")
	}
	if p.Dither, err = strconv.ParseBool(r.FormValue("dither")); err != nil {
		return p, errors.New("invalid dither")
	}
	return p, nil
}
