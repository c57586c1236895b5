package streams

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeLivepeer(t *testing.T, streams []Stream) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/stream":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_ = enc.Encode(&Stream{ID: "new-id", Name: body["name"], StreamKey: "new-key", PlaybackID: "new-pb"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/stream":
			var filters []map[string]string
			require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("filters")), &filters))
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			var matched []Stream
			for _, st := range streams {
				if st.Name == filters[0]["value"] {
					matched = append(matched, st)
				}
			}
			_ = enc.Encode(matched)
		case r.Method == http.MethodGet && len(r.URL.Path) > len("/api/stream/"):
			id := r.URL.Path[len("/api/stream/"):]
			for _, st := range streams {
				if st.ID == id {
					_ = enc.Encode(&st)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
}

func TestLivepeerClient(t *testing.T) {
	srv := newFakeLivepeer(t, []Stream{
		{ID: "s1", Name: "castrelay-bold-otter-ada", StreamKey: "k1", PlaybackID: "p1"},
		{ID: "s2", Name: "dup", StreamKey: "k2"},
		{ID: "s3", Name: "dup", StreamKey: "k3"},
	})
	defer srv.Close()
	c := NewLivepeerClient(srv.URL+"/api/", "secret")
	ctx := context.Background()

	st, err := c.GetStreamByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "k1", st.StreamKey)

	_, err = c.GetStreamByID(ctx, "missing")
	assert.True(t, errors.Is(err, ErrStreamNotFound))

	st, err = c.GetStreamByName(ctx, "castrelay-bold-otter-ada")
	require.NoError(t, err)
	assert.Equal(t, "s1", st.ID)

	_, err = c.GetStreamByName(ctx, "dup")
	assert.True(t, errors.Is(err, ErrStreamNotFound))
	_, err = c.GetStreamByName(ctx, "nobody")
	assert.True(t, errors.Is(err, ErrStreamNotFound))

	st, err = c.CreateStream(ctx, "castrelay-x")
	require.NoError(t, err)
	assert.Equal(t, "castrelay-x", st.Name)
	assert.Equal(t, "new-key", st.StreamKey)
}

func TestLivepeerClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := NewLivepeerClient(srv.URL, "secret").CreateStream(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.False(t, errors.Is(err, ErrStreamNotFound))
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "rtmp://rtmp.livepeer.com/live/abc", StreamURL(DefaultIngestBaseURL, "abc"))
	assert.Equal(t, "rtmp://origin/live/abc", StreamURL("rtmp://origin/live/", "abc"))
	assert.Equal(t, "https://cdn.livepeer.com/hls/pb/index.m3u8", PlaybackURL(DefaultPlaybackBaseURL, "pb"))
	assert.Equal(t, "abc", ExtractStreamKey(StreamURL(DefaultIngestBaseURL, "abc")))
	assert.Equal(t, "", ExtractStreamKey("https://example.com/live/abc"))
	assert.Equal(t, "", ExtractStreamKey("rtmp://"))
}
