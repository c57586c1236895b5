package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/castaneai/castrelay/pkg/testutils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

func TestHandlerCountsMedia(t *testing.T) {
	s := NewServer(zerolog.Nop())
	h := &handler{s: s, logger: zerolog.Nop()}

	require.NoError(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: "key", PublishingType: "live"}))
	require.NoError(t, h.OnVideo(0, bytes.NewReader(make([]byte, 100))))
	require.NoError(t, h.OnVideo(33, bytes.NewReader(make([]byte, 50))))
	require.NoError(t, h.OnAudio(0, bytes.NewReader(make([]byte, 10))))

	st, ok := s.Stats("key")
	require.True(t, ok)
	assert.True(t, st.Active)
	assert.Equal(t, int64(150), st.VideoBytes)
	assert.Equal(t, int64(2), st.VideoTags)
	assert.Equal(t, int64(10), st.AudioBytes)

	h.OnClose()
	st, _ = s.Stats("key")
	assert.False(t, st.Active)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var all []StreamStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	require.Len(t, all, 1)
	assert.Equal(t, "key", all[0].Name)
}

func TestOriginAcceptsFFmpegPublish(t *testing.T) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not found")
	}
	lis := testutils.ListenTCPWithRandomPort(t)
	s := NewServer(zerolog.Nop())
	go s.Serve(lis)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	url := fmt.Sprintf("rtmp://%s/live/testkey", lis.Addr().String())
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc2=size=320x240:rate=30", "-t", "2",
		"-c:v", "libx264", "-preset", "ultrafast", "-f", "flv", url)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))

	assert.Eventually(t, func() bool {
		st, ok := s.Stats("testkey")
		return ok && st.VideoTags > 0 && !st.Active
	}, 10*time.Second, 50*time.Millisecond)
}
