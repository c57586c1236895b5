package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestURL(t *testing.T) {
	tcs := []struct {
		name          string
		ep            Endpoint
		key           string
		mimeType      string
		ignoreCookies bool
		want          string
	}{
		{
			name: "public https host uses wss and drops the port",
			ep:   Endpoint{Secure: true, Host: "relay.example.com", Port: "8443"},
			key:  "abc",
			want: "wss://relay.example.com/ingest/ws/abc",
		},
		{
			name:     "localhost keeps the port and stays insecure",
			ep:       Endpoint{Secure: true, Host: "localhost", Port: "8080"},
			key:      "abc",
			mimeType: "video/webm;codecs=h264",
			want:     "ws://localhost:8080/ingest/ws/abc?mimeType=video%2Fwebm%3Bcodecs%3Dh264",
		},
		{
			name:          "ip host",
			ep:            Endpoint{Host: "10.0.0.2", Port: "3000"},
			key:           "k",
			ignoreCookies: true,
			want:          "ws://10.0.0.2:3000/ingest/ws/k?ignoreCookies=true",
		},
		{
			name: "rtmp url key is path escaped",
			ep:   Endpoint{Host: "relay.example.com"},
			key:  "rtmp://a.example.com/live/x",
			want: "ws://relay.example.com/ingest/ws/rtmp:%2F%2Fa.example.com%2Flive%2Fx",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IngestURL(tc.ep, tc.key, tc.mimeType, tc.ignoreCookies))
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("https://relay.example.com:8443")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Secure: true, Host: "relay.example.com", Port: "8443"}, ep)

	ep, err = ParseEndpoint("http://[::1]:8080")
	require.NoError(t, err)
	assert.True(t, IsLocalOrIP(ep.Host))
	assert.Equal(t, "ws://[::1]:8080/ingest/ws/k", IngestURL(ep, "k", "", false))
}

func TestSignalingURL(t *testing.T) {
	assert.Equal(t, "http://r/webrtc/offer?streamKey=abc", SignalingURL("http://r/webrtc/offer", "abc"))
	assert.Equal(t, "http://r/webrtc/offer?rtmp=rtmp%3A%2F%2Fa%2Flive%2Fx", SignalingURL("http://r/webrtc/offer", "rtmp://a/live/x"))
	assert.Equal(t, "http://r/o?v=1&streamKey=abc", SignalingURL("http://r/o?v=1", "abc"))
}
