package transport

import (
	"strings"

	"github.com/castaneai/castrelay/pkg/ffmpeg"
	"github.com/pkg/errors"
)

type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategySocket
	StrategyPeer
)

func (s Strategy) String() string {
	switch s {
	case StrategySocket:
		return "socket"
	case StrategyPeer:
		return "peer"
	default:
		return "auto"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return StrategyAuto, nil
	case "socket", "websocket", "ws":
		return StrategySocket, nil
	case "peer", "webrtc":
		return StrategyPeer, nil
	}
	return StrategyAuto, errors.Errorf("unknown transport strategy: %s", s)
}

// ChooseStrategy picks the socket transport when the packaged video is
// H.264, which the relay can forward without transcoding, and the peer
// transport otherwise. An explicit override always wins.
func ChooseStrategy(override Strategy, mimeType string) Strategy {
	if override != StrategyAuto {
		return override
	}
	if ffmpeg.IsH264(mimeType) {
		return StrategySocket
	}
	return StrategyPeer
}
