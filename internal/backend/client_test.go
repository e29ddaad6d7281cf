package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestClient starts an httptest server with handler and returns a Client for it.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(NewTransport(srv.URL))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Status_Normal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathStatus || r.Method != http.MethodGet {
			t.Errorf("request = %s %s, want GET %s", r.Method, r.URL.Path, PathStatus)
		}
		_, _ = w.Write([]byte(`{
			"status": true,
			"camera_list": {"choices": [["Canon EOS", "usb:001,004"]], "current": null},
			"camera_config": {"iso": {"choices": ["100", "200"], "current": "200"}},
			"guider_connected": true,
			"capturing": false
		}`))
	})

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Locked {
		t.Error("Locked = true, want false")
	}
	if len(st.CameraList.Choices) != 1 {
		t.Fatalf("len(choices) = %d, want 1", len(st.CameraList.Choices))
	}
	if got := st.CameraList.Choices[0]; got.Display != "Canon EOS" || got.Value != "usb:001,004" {
		t.Errorf("choice = %+v, want {Canon EOS usb:001,004}", got)
	}
	if st.CameraList.Current != nil {
		t.Errorf("Current = %q, want nil", *st.CameraList.Current)
	}
	iso, ok := st.CameraConfig["iso"]
	if !ok {
		t.Fatal("camera_config missing iso")
	}
	if iso.Current == nil || *iso.Current != "200" {
		t.Errorf("iso current = %v, want 200", iso.Current)
	}
	if iso.Choices[1].Display != "200" || iso.Choices[1].Value != "200" {
		t.Errorf("bare choice = %+v, want display == value", iso.Choices[1])
	}
	if !st.GuiderConnected {
		t.Error("GuiderConnected = false, want true")
	}
}

func TestClient_Status_Locked(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": true, "locked": true})
	})

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Locked {
		t.Error("Locked = false, want true")
	}
	if st.CameraConfig != nil {
		t.Errorf("CameraConfig = %v, want nil", st.CameraConfig)
	}
}

func TestClient_AppError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": false, "error": "busy"})
	})

	err := c.StopCapture(context.Background())
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("StopCapture() error = %v, want *AppError", err)
	}
	if appErr.Message != "busy" {
		t.Errorf("Message = %q, want %q", appErr.Message, "busy")
	}
	if appErr.Path != PathCaptureStop {
		t.Errorf("Path = %q, want %q", appErr.Path, PathCaptureStop)
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "app error", err: &AppError{Path: PathCaptureStart, Message: "camera busy"}, want: "camera busy"},
		{name: "wrapped app error", err: fmt.Errorf("device: connect: %w", &AppError{Path: PathCameraConnect, Message: "no camera"}), want: "no camera"},
		{name: "app error without text", err: &AppError{Path: PathCaptureStop}, want: "backend: /capture/stop/: request failed"},
		{name: "other error", err: errors.New("connection refused"), want: "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Message(tt.err); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_TransportError_Non2xx(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.CaptureStatus(context.Background())
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("CaptureStatus() error = %v, want *TransportError", err)
	}
	if tErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", tErr.StatusCode)
	}
}

func TestClient_CaptureStatus_FormEcho(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"status": true,
			"capture_status": {
				"current_status": 1,
				"current_capture": 3,
				"last_capture": 2,
				"capture_parms": {
					"exposure": 30.0, "captures": 10, "dither": "true", "dither_n": 2,
					"dither_px": 3.0, "settle_px": 1.5, "settle_time": 10.0, "settle_timeout": 60.0
				},
				"dither_status": null
			}
		}`))
	})

	st, err := c.CaptureStatus(context.Background())
	if err != nil {
		t.Fatalf("CaptureStatus() error = %v", err)
	}
	if st.CurrentStatus != StateCapturing || st.CurrentCapture != 3 || st.LastCapture != 2 {
		t.Errorf("status = %+v, want running 3/2", st)
	}
	if st.CaptureParms == nil {
		t.Fatal("CaptureParms = nil")
	}
	if st.CaptureParms.Captures != 10 {
		t.Errorf("Captures = %d, want 10", st.CaptureParms.Captures)
	}
	if !st.CaptureParms.Dither {
		t.Error("Dither = false, want true")
	}
	if st.CaptureParms.DitherN != 2 {
		t.Errorf("DitherN = %d, want 2", st.CaptureParms.DitherN)
	}
}

func TestFormBool_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    FormBool
		wantErr bool
	}{
		{in: `true`, want: true},
		{in: `false`, want: false},
		{in: `"true"`, want: true},
		{in: `"false"`, want: false},
		{in: `"on"`, want: true},
		{in: `"1"`, want: true},
		{in: `""`, want: false},
		{in: `"junk"`, want: false},
		{in: `7`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got FormBool
			err := json.Unmarshal([]byte(tt.in), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	out, err := json.Marshal(CaptureParams{Captures: 1, Dither: true}.Echo())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(out, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["dither"] != "true" {
		t.Errorf("echoed dither = %#v, want string \"true\"", raw["dither"])
	}
}

func TestClient_TransportError_BadJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	_, err := c.CameraList(context.Background())
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("CameraList() error = %v, want *TransportError", err)
	}
}

func TestClient_TransportError_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(NewTransport(url))
	err := c.ConnectGuider(context.Background(), "localhost")
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("ConnectGuider() error = %v, want *TransportError", err)
	}
	if tErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for network failure", tErr.StatusCode)
	}
}

func TestClient_StartCapture_FormEncoding(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		got = map[string]string{}
		for k := range r.PostForm {
			got[k] = r.PostForm.Get(k)
		}
		writeJSON(w, map[string]any{"status": true})
	})

	params := CaptureParams{
		Exposure: 2.5, Captures: 10, Dither: true, DitherN: 3,
		DitherPx: 5, SettlePx: 1.5, SettleTime: 10, SettleTimeout: 60,
	}
	if err := c.StartCapture(context.Background(), params); err != nil {
		t.Fatalf("StartCapture() error = %v", err)
	}

	want := map[string]string{
		"exposure": "2.5", "captures": "10", "dither": "true", "dither_n": "3",
		"dither_px": "5", "settle_px": "1.5", "settle_time": "10", "settle_timeout": "60",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("form[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestClient_LastImage(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0}
	tests := []struct {
		name string
		body map[string]any
		want []byte
	}{
		{"null payload", map[string]any{"status": true, "image_data": nil}, nil},
		{"image payload", map[string]any{"status": true, "image_data": base64.StdEncoding.EncodeToString(jpeg)}, jpeg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.body)
			})
			img, err := c.LastImage(context.Background())
			if err != nil {
				t.Fatalf("LastImage() error = %v", err)
			}
			if string(img) != string(tt.want) {
				t.Errorf("image = %v, want %v", img, tt.want)
			}
		})
	}
}

func TestClient_Preview_SendsExposure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathCameraPreview || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.FormValue("exposure"); got != "0.5" {
			t.Errorf("exposure = %q, want 0.5", got)
		}
		writeJSON(w, map[string]any{"status": true, "image_data": base64.StdEncoding.EncodeToString([]byte("jpg"))})
	})

	img, err := c.Preview(context.Background(), 0.5)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if string(img) != "jpg" {
		t.Errorf("image = %q, want %q", img, "jpg")
	}
}

func TestChoice_MarshalUnmarshal(t *testing.T) {
	var choices []Choice
	if err := json.Unmarshal([]byte(`["f/4", ["Canon", "usb:1"], ["solo"]]`), &choices); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	want := []Choice{{"f/4", "f/4"}, {"Canon", "usb:1"}, {"solo", "solo"}}
	for i := range want {
		if choices[i] != want[i] {
			t.Errorf("choices[%d] = %+v, want %+v", i, choices[i], want[i])
		}
	}

	if err := json.Unmarshal([]byte(`[["a", "b", "c"]]`), &choices); err == nil {
		t.Error("three-element choice should be rejected")
	}
}

func TestCaptureState_Active(t *testing.T) {
	tests := []struct {
		state CaptureState
		want  bool
	}{
		{StateIdle, false},
		{StateCapturing, true},
		{StateDithering, true},
		{StateStopping, false},
	}
	for _, tt := range tests {
		if got := tt.state.Active(); got != tt.want {
			t.Errorf("%s.Active() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
