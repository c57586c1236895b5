package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultLivepeerAPIURL   = "https://livepeer.com/api"
	DefaultIngestBaseURL    = "rtmp://rtmp.livepeer.com/live"
	DefaultPlaybackBaseURL  = "https://cdn.livepeer.com/hls"
	defaultProvisionTimeout = 10 * time.Second
)

// Stream is the subset of the Livepeer stream object this service reads.
type Stream struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	StreamKey  string `json:"streamKey"`
	PlaybackID string `json:"playbackId"`
	IsActive   bool   `json:"isActive"`
	CreatedAt  int64  `json:"createdAt"`
}

type Provisioner interface {
	GetStreamByID(ctx context.Context, id string) (*Stream, error)
	GetStreamByName(ctx context.Context, name string) (*Stream, error)
	CreateStream(ctx context.Context, name string) (*Stream, error)
}

type LivepeerClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func NewLivepeerClient(baseURL, apiKey string) *LivepeerClient {
	if baseURL == "" {
		baseURL = DefaultLivepeerAPIURL
	}
	return &LivepeerClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: defaultProvisionTimeout},
	}
}

func (c *LivepeerClient) GetStreamByID(ctx context.Context, id string) (*Stream, error) {
	var st Stream
	if err := c.do(ctx, http.MethodGet, "/stream/"+url.PathEscape(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStreamByName returns ErrStreamNotFound unless exactly one stream has the name.
func (c *LivepeerClient) GetStreamByName(ctx context.Context, name string) (*Stream, error) {
	filters, err := json.Marshal([]map[string]string{{"id": "name", "value": name}})
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("filters", string(filters))
	q.Set("limit", "2")
	var list []Stream
	if err := c.do(ctx, http.MethodGet, "/stream?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	if len(list) != 1 {
		return nil, errors.Wrapf(ErrStreamNotFound, "%d streams named %s", len(list), name)
	}
	return &list[0], nil
}

func (c *LivepeerClient) CreateStream(ctx context.Context, name string) (*Stream, error) {
	var st Stream
	if err := c.do(ctx, http.MethodPost, "/stream", map[string]string{"name": name}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *LivepeerClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to %s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrStreamNotFound
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func StreamURL(ingestBaseURL, streamKey string) string {
	return strings.TrimSuffix(ingestBaseURL, "/") + "/" + streamKey
}

// ExtractStreamKey is the inverse of StreamURL: the last path segment of
// an RTMP ingest URL.
func ExtractStreamKey(streamURL string) string {
	if !strings.HasPrefix(streamURL, "rtmp://") {
		return ""
	}
	i := strings.LastIndex(streamURL, "/")
	if i < len("rtmp://") {
		return ""
	}
	return streamURL[i+1:]
}

func PlaybackURL(playbackBaseURL, playbackID string) string {
	return fmt.Sprintf("%s/%s/index.m3u8", strings.TrimSuffix(playbackBaseURL, "/"), playbackID)
}
