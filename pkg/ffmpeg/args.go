package ffmpeg

import "strings"

// Input is one ffmpeg input. An empty Format lets ffmpeg probe the stream.
type Input struct {
	Format string
	URL    string
}

var StdinInput = Input{URL: "-"}

type Opts struct {
	LogNs    string
	Inputs   []Input
	MimeType string
	Output   string
}

var (
	baseArgs        = []string{"-f", "flv", "-acodec", "aac", "-b:a", "128k", "-ar", "44100"}
	passthroughArgs = []string{"-vcodec", "copy"}
	transcodeArgs   = []string{"-vcodec", "libx264", "-x264-params", "keyint=60:scenecut=0"}
)

// IsH264 reports whether the video in mimeType can be copied into FLV as is.
func IsH264(mimeType string) bool {
	return strings.Contains(strings.ToLower(mimeType), "h264")
}

func readsStdin(opts Opts) bool {
	if len(opts.Inputs) == 0 {
		return true
	}
	for _, in := range opts.Inputs {
		if in.URL == "-" || in.URL == "pipe:0" {
			return true
		}
	}
	return false
}

func Args(opts Opts) []string {
	inputs := opts.Inputs
	if len(inputs) == 0 {
		inputs = []Input{StdinInput}
	}
	var args []string
	if !readsStdin(opts) {
		args = append(args, "-nostdin")
	}
	for _, in := range inputs {
		if in.Format != "" {
			args = append(args, "-f", in.Format)
		}
		args = append(args, "-i", in.URL)
	}
	args = append(args, baseArgs...)
	if IsH264(opts.MimeType) {
		args = append(args, passthroughArgs...)
	} else {
		args = append(args, transcodeArgs...)
	}
	return append(args, opts.Output)
}
