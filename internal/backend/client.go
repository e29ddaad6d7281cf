package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Endpoint paths.
const (
	PathStatus           = "/status/"
	PathCameraList       = "/camera/list/"
	PathCameraConnect    = "/camera/connect/"
	PathCameraDisconnect = "/camera/disconnect/"
	PathCameraConfig     = "/camera/config/"
	PathCameraPreview    = "/camera/preview/"
	PathCaptureStart     = "/capture/start/"
	PathCaptureStop      = "/capture/stop/"
	PathCaptureStatus    = "/capture/status/"
	PathCaptureLastImage = "/capture/last_image/"
	PathGuiderConnect    = "/guider/connect/"
	PathGuiderDisconnect = "/guider/disconnect/"
)

// AppError reports a response whose status flag was false.
type AppError struct {
	Path    string
	Message string // Backend-supplied error text, may be empty
}

func (e *AppError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s: request failed", e.Path)
	}
	return fmt.Sprintf("backend: %s: %s", e.Path, e.Message)
}

// Message returns the backend-supplied text of an *AppError in err's chain,
// or err's full text otherwise.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

// Client exposes one typed method per backend endpoint. Every method returns
// either its payload or exactly one of *TransportError and *AppError.
type Client struct {
	t *Transport
}

// NewClient creates a Client on top of t.
func NewClient(t *Transport) *Client {
	return &Client{t: t}
}

// check converts a decoded envelope into an *AppError when status is false.
func check(path string, env envelope) error {
	if !env.Status {
		return &AppError{Path: path, Message: env.Error}
	}
	return nil
}

// Status fetches the global application status.
func (c *Client) Status(ctx context.Context) (AppStatus, error) {
	var resp statusResponse
	if err := c.t.Get(ctx, PathStatus, &resp); err != nil {
		return AppStatus{}, err
	}
	if err := check(PathStatus, resp.envelope); err != nil {
		return AppStatus{}, err
	}
	return resp.AppStatus, nil
}

// CameraList fetches the detected camera ports.
func (c *Client) CameraList(ctx context.Context) (ChoiceList, error) {
	var resp cameraListResponse
	if err := c.t.Get(ctx, PathCameraList, &resp); err != nil {
		return ChoiceList{}, err
	}
	if err := check(PathCameraList, resp.envelope); err != nil {
		return ChoiceList{}, err
	}
	return resp.CameraList, nil
}

// ConnectCamera connects the camera on port.
func (c *Client) ConnectCamera(ctx context.Context, port string) error {
	return c.post(ctx, PathCameraConnect, url.Values{"port": {port}})
}

// DisconnectCamera disconnects the current camera.
func (c *Client) DisconnectCamera(ctx context.Context) error {
	return c.post(ctx, PathCameraDisconnect, nil)
}

// CameraConfig fetches the current camera configuration.
func (c *Client) CameraConfig(ctx context.Context) (CameraConfig, error) {
	var resp configResponse
	if err := c.t.Get(ctx, PathCameraConfig, &resp); err != nil {
		return nil, err
	}
	if err := check(PathCameraConfig, resp.envelope); err != nil {
		return nil, err
	}
	return resp.Config, nil
}

// SetCameraConfig writes the given setting map to the camera.
func (c *Client) SetCameraConfig(ctx context.Context, settings map[string]string) error {
	form := make(url.Values, len(settings))
	for k, v := range settings {
		form.Set(k, v)
	}
	return c.post(ctx, PathCameraConfig, form)
}

// Preview takes a single exposure and returns the decoded JPEG bytes.
// The image is nil when the backend produced none.
func (c *Client) Preview(ctx context.Context, exposure float64) ([]byte, error) {
	var resp imageResponse
	form := url.Values{"exposure": {formatFloat(exposure)}}
	if err := c.t.Post(ctx, PathCameraPreview, form, &resp); err != nil {
		return nil, err
	}
	if err := check(PathCameraPreview, resp.envelope); err != nil {
		return nil, err
	}
	return decodeImage(http.MethodPost, PathCameraPreview, resp.ImageData)
}

// StartCapture starts a capture sequence with params.
func (c *Client) StartCapture(ctx context.Context, params CaptureParams) error {
	return c.post(ctx, PathCaptureStart, params.Form())
}

// StopCapture stops the running capture sequence.
func (c *Client) StopCapture(ctx context.Context) error {
	return c.post(ctx, PathCaptureStop, nil)
}

// CaptureStatus fetches the capture progress report.
func (c *Client) CaptureStatus(ctx context.Context) (CaptureStatus, error) {
	var resp captureStatusResponse
	if err := c.t.Get(ctx, PathCaptureStatus, &resp); err != nil {
		return CaptureStatus{}, err
	}
	if err := check(PathCaptureStatus, resp.envelope); err != nil {
		return CaptureStatus{}, err
	}
	return resp.CaptureStatus, nil
}

// LastImage fetches the most recently completed capture.
// A nil image means it has not materialized yet; that is not an error.
func (c *Client) LastImage(ctx context.Context) ([]byte, error) {
	var resp imageResponse
	if err := c.t.Get(ctx, PathCaptureLastImage, &resp); err != nil {
		return nil, err
	}
	if err := check(PathCaptureLastImage, resp.envelope); err != nil {
		return nil, err
	}
	return decodeImage(http.MethodGet, PathCaptureLastImage, resp.ImageData)
}

// ConnectGuider connects to the guiding service on host.
func (c *Client) ConnectGuider(ctx context.Context, host string) error {
	return c.post(ctx, PathGuiderConnect, url.Values{"host": {host}})
}

// DisconnectGuider disconnects from the guiding service.
func (c *Client) DisconnectGuider(ctx context.Context) error {
	return c.post(ctx, PathGuiderDisconnect, nil)
}

func (c *Client) post(ctx context.Context, path string, form url.Values) error {
	var env envelope
	if err := c.t.Post(ctx, path, form, &env); err != nil {
		return err
	}
	return check(path, env)
}

// Form encodes the parameters the way the backend reads them.
func (p CaptureParams) Form() url.Values {
	return url.Values{
		"exposure":       {formatFloat(p.Exposure)},
		"captures":       {strconv.Itoa(p.Captures)},
		"dither":         {strconv.FormatBool(p.Dither)},
		"dither_n":       {strconv.Itoa(p.DitherN)},
		"dither_px":      {formatFloat(p.DitherPx)},
		"settle_px":      {formatFloat(p.SettlePx)},
		"settle_time":    {formatFloat(p.SettleTime)},
		"settle_timeout": {formatFloat(p.SettleTimeout)},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func decodeImage(method, path string, data *string) ([]byte, error) {
	if data == nil || *data == "" {
		return nil, nil
	}
	img, err := base64.StdEncoding.DecodeString(*data)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("decoding image: %w", err)}
	}
	return img, nil
}
