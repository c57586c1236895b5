package webrtcutil

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"io/ioutil"
	"strings"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

const maxSDPSize = 64 * 1024

// EncodeSDP returns the base64 of the JSON session description, the form
// used by copy/paste signaling pages.
func EncodeSDP(sdp *webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(sdp)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeSDP(encoded string) (*webrtc.SessionDescription, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	return unmarshalSDP(b)
}

// ReadSDP reads a JSON session description, or its base64 form when base64ed is set.
func ReadSDP(r io.Reader, base64ed bool) (*webrtc.SessionDescription, error) {
	b, err := ioutil.ReadAll(io.LimitReader(r, maxSDPSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read session description")
	}
	if len(b) > maxSDPSize {
		return nil, errors.Errorf("session description exceeds %d bytes", maxSDPSize)
	}
	if base64ed {
		return DecodeSDP(string(b))
	}
	return unmarshalSDP(b)
}

func unmarshalSDP(b []byte) (*webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(b, &sdp); err != nil {
		return nil, errors.Wrap(err, "failed to decode session description")
	}
	if sdp.SDP == "" {
		return nil, errors.New("session description is empty")
	}
	return &sdp, nil
}
