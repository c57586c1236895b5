package testutils

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
)

// Answerer plays the relay side of an offer/answer exchange in-process.
// It satisfies transport.Signaler.
type Answerer struct {
	t      *testing.T
	Tracks chan *webrtc.TrackRemote

	mu   sync.Mutex
	keys []string
	pcs  []*webrtc.PeerConnection
}

func NewAnswerer(t *testing.T) *Answerer {
	return &Answerer{t: t, Tracks: make(chan *webrtc.TrackRemote, 4)}
}

func (a *Answerer) Exchange(ctx context.Context, streamKey string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	a.t.Cleanup(func() { pc.Close() })
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		select {
		case a.Tracks <- track:
		default:
		}
	})
	a.mu.Lock()
	a.keys = append(a.keys, streamKey)
	a.pcs = append(a.pcs, pc)
	a.mu.Unlock()
	return Answer(pc, offer)
}

// Keys returns the stream keys of every exchange so far.
func (a *Answerer) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

// CloseAll closes the answering side of every exchanged connection.
func (a *Answerer) CloseAll() {
	a.mu.Lock()
	pcs := a.pcs
	a.pcs = nil
	a.mu.Unlock()
	for _, pc := range pcs {
		pc.Close()
	}
}

// Answer completes a non-trickle exchange on the receiving side.
func Answer(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	gatheringComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(ans); err != nil {
		return nil, err
	}
	<-gatheringComplete
	return pc.LocalDescription(), nil
}
