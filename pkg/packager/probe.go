package packager

import (
	"bufio"
	"bytes"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Prober interface {
	IsTypeSupported(mimeType string) bool
}

type ProberFunc func(mimeType string) bool

func (f ProberFunc) IsTypeSupported(mimeType string) bool {
	return f(mimeType)
}

// SelectMimeType returns the first candidate the prober supports.
func SelectMimeType(p Prober, candidates []string) (string, bool) {
	for _, c := range candidates {
		if p.IsTypeSupported(c) {
			return c, true
		}
	}
	return "", false
}

// FFmpegProber answers from the encoder list of the local ffmpeg build,
// queried once.
type FFmpegProber struct {
	Bin    string
	Logger zerolog.Logger

	once     sync.Once
	encoders map[string]bool
}

func (p *FFmpegProber) IsTypeSupported(mimeType string) bool {
	f, ok := FormatFor(mimeType)
	if !ok {
		return false
	}
	p.once.Do(p.load)
	return p.encoders[f.VideoEncoder] && p.encoders[f.AudioEncoder]
}

func (p *FFmpegProber) load() {
	bin := p.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	out, err := exec.Command(bin, "-hide_banner", "-encoders").Output()
	if err != nil {
		p.Logger.Warn().Err(err).Msg("failed to list ffmpeg encoders")
		p.encoders = map[string]bool{}
		return
	}
	p.encoders = parseEncoders(bytes.NewReader(out))
}

// parseEncoders reads the table printed by `ffmpeg -encoders`:
//
//	 V....D libx264              libx264 H.264 / AVC ...
func parseEncoders(r io.Reader) map[string]bool {
	encoders := map[string]bool{}
	sc := bufio.NewScanner(r)
	inTable := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !inTable {
			inTable = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}
