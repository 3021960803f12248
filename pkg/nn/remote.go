package nn

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/url"
	"strconv"
	"strings"

	"github.com/cyclopcam/vew/pkg/requests"
)

// RemoteTracker talks to a detector+tracker sidecar over HTTP.
//
//	POST {base}/reset                               -> {}
//	POST {base}/track?frame=N&classes=0,2  (PNG)    -> {"tracks": [TrackedBox...]}
//	GET  {base}/config                              -> ModelConfig
type RemoteTracker struct {
	baseURL string
	config  ModelConfig
}

type remoteTrackResponse struct {
	Tracks []TrackedBox `json:"tracks"`
}

// NewRemoteTracker connects to the sidecar and fetches its model config
func NewRemoteTracker(ctx context.Context, baseURL string) (*RemoteTracker, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	cfg, err := requests.Request[ModelConfig](ctx, "GET", baseURL+"/config", "", nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to fetch tracker config from %v: %w", baseURL, err)
	}
	return &RemoteTracker{
		baseURL: baseURL,
		config:  *cfg,
	}, nil
}

func (r *RemoteTracker) Reset(ctx context.Context) error {
	_, err := requests.RequestJSON[struct{}](ctx, "POST", r.baseURL+"/reset", struct{}{})
	return err
}

func (r *RemoteTracker) Track(ctx context.Context, frame Frame, allowedClasses []int) ([]TrackedBox, error) {
	buf := bytes.Buffer{}
	if err := png.Encode(&buf, frame.Image); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("frame", strconv.Itoa(frame.Index))
	if len(allowedClasses) != 0 {
		cls := make([]string, len(allowedClasses))
		for i, c := range allowedClasses {
			cls[i] = strconv.Itoa(c)
		}
		q.Set("classes", strings.Join(cls, ","))
	}
	resp, err := requests.Request[remoteTrackResponse](ctx, "POST", r.baseURL+"/track?"+q.Encode(), "image/png", &buf)
	if err != nil {
		return nil, err
	}
	return resp.Tracks, nil
}

func (r *RemoteTracker) InputSize() (width, height int) {
	return r.config.Width, r.config.Height
}

func (r *RemoteTracker) Config() *ModelConfig {
	return &r.config
}

func (r *RemoteTracker) Close() {
}
