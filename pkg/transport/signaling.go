package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/castaneai/castrelay/pkg/internal/webrtcutil"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

var ErrSignaling = errors.New("signaling failed")

// Signaler trades a complete (non-trickle) offer for the relay's answer.
type Signaler interface {
	Exchange(ctx context.Context, streamKey string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
}

type HTTPSignaler struct {
	baseURL string
	hc      *http.Client
}

func NewHTTPSignaler(baseURL string) *HTTPSignaler {
	return &HTTPSignaler{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSignaler) Exchange(ctx context.Context, streamKey string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode offer")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, SignalingURL(s.baseURL, streamKey), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create offer request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrSignaling, "failed to post offer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Wrapf(ErrSignaling, "error response from server: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	answer, err := webrtcutil.ReadSDP(resp.Body, false)
	if err != nil {
		return nil, errors.Wrapf(ErrSignaling, "invalid answer: %v", err)
	}
	return answer, nil
}
