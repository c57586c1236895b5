package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(`
mimeTypes:
  - video/webm;codecs=vp8
  - video/mp4
timesliceMs: 1000
videoBitsPerSecond: 1000000
devices:
  video: /dev/video2
  display: ":1"
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"video/webm;codecs=vp8", "video/mp4"}, p.MimeTypes)
	assert.Equal(t, time.Second, p.Timeslice())
	assert.Equal(t, 1000000, p.VideoBitsPerSecond)
	assert.Equal(t, 0, p.AudioBitsPerSecond)
	assert.Equal(t, "/dev/video2", p.Devices.Video)
	assert.Equal(t, ":1", p.Devices.Display)

	_, err = ParseProfile([]byte("timesliceMs: -1"))
	assert.Error(t, err)
}

func TestLoadProfileEmptyPath(t *testing.T) {
	p, err := LoadProfile("")
	require.NoError(t, err)
	assert.Empty(t, p.MimeTypes)
}

type testConfig struct {
	Port     string `envconfig:"PORT" default:"8080"`
	Endpoint string `envconfig:"CASTRELAY_TEST_ENDPOINT"`
}

func TestProcess(t *testing.T) {
	dir, err := ioutil.TempDir("", "castrelay-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, ioutil.WriteFile(envFile, []byte("CASTRELAY_TEST_ENDPOINT=rtmp://example.com/live\n"), 0600))
	defer os.Unsetenv("CASTRELAY_TEST_ENDPOINT")

	var conf testConfig
	require.NoError(t, Process("", &conf, envFile))
	assert.Equal(t, "rtmp://example.com/live", conf.Endpoint)

	// a missing .env is not an error
	var conf2 testConfig
	require.NoError(t, Process("", &conf2, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "rtmp://example.com/live", conf2.Endpoint)
}
