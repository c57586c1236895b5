package streams

import (
	"errors"
	"regexp"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
)

const streamNamePrefix = "castrelay-"

// StreamIDCookie remembers the browser's stream between visits.
const StreamIDCookie = "castrelay-stream-id"

// Info is everything the relay and the viewers need to know about one stream.
type Info struct {
	HumanID     string `firestore:"humanId" json:"humanId"`
	StreamID    string `firestore:"streamId" json:"streamId"`
	StreamKey   string `firestore:"streamKey" json:"streamKey,omitempty"`
	StreamURL   string `firestore:"streamUrl" json:"streamUrl"`
	PlaybackID  string `firestore:"playbackId" json:"playbackId"`
	PlaybackURL string `firestore:"playbackUrl" json:"playbackUrl"`
}

var streamNameRe = regexp.MustCompile(`^` + regexp.QuoteMeta(streamNamePrefix) + `(.+)$`)

func StreamName(humanID string) string {
	return streamNamePrefix + humanID
}

func HumanIDFromStreamName(name string) (string, bool) {
	m := streamNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}
