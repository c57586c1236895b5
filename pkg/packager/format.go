package packager

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrUnsupported = errors.New("no supported media type")

// DefaultMimeTypes is the container/codec preference order. The first one
// the local encoder supports is used for the whole run.
var DefaultMimeTypes = []string{
	"video/webm;codecs=h264",
	"video/webm",
	"video/webm;codecs=opus",
	"video/webm;codecs=vp8",
	"video/webm;codecs=daala",
	"video/mpeg",
	"video/mp4",
}

// Format tells ffmpeg how to produce a mimeType.
type Format struct {
	Muxer        string
	MuxerArgs    []string
	VideoEncoder string
	VideoArgs    []string
	AudioEncoder string
	AudioArgs    []string
}

var formats = map[string]Format{
	// browsers label Matroska with H.264 as webm
	"video/webm;codecs=h264": {
		Muxer:        "matroska",
		VideoEncoder: "libx264",
		VideoArgs:    []string{"-preset", "veryfast", "-tune", "zerolatency", "-pix_fmt", "yuv420p"},
		AudioEncoder: "libopus",
	},
	"video/webm": {
		Muxer:        "webm",
		VideoEncoder: "libvpx",
		VideoArgs:    []string{"-deadline", "realtime", "-cpu-used", "8"},
		AudioEncoder: "libopus",
	},
	"video/webm;codecs=opus": {
		Muxer:        "webm",
		VideoEncoder: "libvpx",
		VideoArgs:    []string{"-deadline", "realtime", "-cpu-used", "8"},
		AudioEncoder: "libopus",
	},
	"video/webm;codecs=vp8": {
		Muxer:        "webm",
		VideoEncoder: "libvpx",
		VideoArgs:    []string{"-deadline", "realtime", "-cpu-used", "8"},
		AudioEncoder: "libopus",
	},
	"video/mpeg": {
		Muxer:        "mpegts",
		VideoEncoder: "mpeg1video",
		AudioEncoder: "mp2",
	},
	"video/mp4": {
		Muxer:        "mp4",
		MuxerArgs:    []string{"-movflags", "frag_keyframe+empty_moov+default_base_moof"},
		VideoEncoder: "libx264",
		VideoArgs:    []string{"-preset", "veryfast", "-tune", "zerolatency", "-pix_fmt", "yuv420p"},
		AudioEncoder: "aac",
	},
}

func normalizeMimeType(mimeType string) string {
	return strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))
}

// FormatFor returns the encoding recipe for mimeType.
func FormatFor(mimeType string) (Format, bool) {
	f, ok := formats[normalizeMimeType(mimeType)]
	return f, ok
}
