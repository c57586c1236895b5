package transport

import (
	"context"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/packager"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tevino/abool"
)

var DefaultWebRTCConfiguration = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	},
}

type PeerConfig struct {
	StreamKey string
	Signaler  Signaler
	WebRTC    webrtc.Configuration
	// Feeder builds the encoder feeding the local tracks once connected.
	Feeder packager.FeederFactory
	Source *capture.MediaSource
	API    *webrtc.API
}

// PeerSession sends the media source to the relay over a WebRTC peer
// connection with one H.264 and one Opus track.
type PeerSession struct {
	id        string
	createdAt time.Time
	conf      PeerConfig
	logger    zerolog.Logger

	callbackMu sync.Mutex
	cb         callbacks

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	feeder     packager.Feeder
	started    *abool.AtomicBool
	stopped    *abool.AtomicBool
	connected  *abool.AtomicBool
	terminated *abool.AtomicBool
}

func NewPeerSession(id string, conf PeerConfig, logger zerolog.Logger) *PeerSession {
	if id == "" {
		id = uuid.Must(uuid.NewRandom()).String()
	}
	return &PeerSession{
		id:         id,
		createdAt:  time.Now(),
		conf:       conf,
		logger:     logger.With().Str("session", id).Str("transport", "peer").Logger(),
		started:    abool.New(),
		stopped:    abool.New(),
		connected:  abool.New(),
		terminated: abool.New(),
	}
}

func (s *PeerSession) session() {}

func (s *PeerSession) ID() string { return s.id }

func (s *PeerSession) Strategy() Strategy { return StrategyPeer }

func (s *PeerSession) CreatedAt() time.Time { return s.createdAt }

func (s *PeerSession) OnConnected(f func()) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.cb.onConnected = f
}

func (s *PeerSession) OnTerminated(f func(Termination)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.cb.onTerminated = f
}

func (s *PeerSession) Connected() bool {
	return s.connected.IsSet()
}

func (s *PeerSession) PeerConnection() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *PeerSession) Start(ctx context.Context) error {
	if s.conf.WebRTC.ICEServers == nil {
		s.conf.WebRTC = DefaultWebRTCConfiguration
	}
	if s.conf.Signaler == nil {
		return errors.New("peer session needs a signaler")
	}
	if s.stopped.IsSet() || !s.started.SetToIf(false, true) {
		return nil
	}
	go func() {
		if err := s.connect(ctx); err != nil {
			s.terminate(Termination{Err: err})
		}
	}()
	return nil
}

func (s *PeerSession) newPeerConnection() (*webrtc.PeerConnection, error) {
	if s.conf.API != nil {
		return s.conf.API.NewPeerConnection(s.conf.WebRTC)
	}
	return webrtc.NewPeerConnection(s.conf.WebRTC)
}

func (s *PeerSession) connect(ctx context.Context) error {
	pc, err := s.newPeerConnection()
	if err != nil {
		return errors.Wrap(err, "failed to create peer connection")
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	if s.stopped.IsSet() {
		return pc.Close()
	}

	videoTrack, err := newVideoTrack()
	if err != nil {
		return errors.Wrap(err, "failed to create video track")
	}
	audioTrack, err := newAudioTrack()
	if err != nil {
		return errors.Wrap(err, "failed to create audio track")
	}
	for _, track := range []webrtc.TrackLocal{videoTrack, audioTrack} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return errors.Wrapf(err, "failed to add %s track", track.Kind())
		}
		go drainRTCP(sender)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info().Str("state", state.String()).Msg("connection state has changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.onConnected(ctx, videoTrack, audioTrack)
		case webrtc.PeerConnectionStateFailed:
			s.terminate(Termination{Err: errors.New("peer connection failed")})
		case webrtc.PeerConnectionStateClosed:
			s.terminate(Termination{Reason: "peer connection closed"})
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create offer")
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "failed to set local description")
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := s.conf.Signaler.Exchange(ctx, s.conf.StreamKey, *pc.LocalDescription())
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(*answer); err != nil {
		return errors.Wrap(err, "failed to set remote description")
	}
	return nil
}

// drainRTCP keeps interceptors running; incoming RTCP is not used.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *PeerSession) onConnected(ctx context.Context, video, audio packager.SampleWriter) {
	if !s.connected.SetToIf(false, true) || s.stopped.IsSet() {
		return
	}
	if s.conf.Feeder != nil {
		feeder := s.conf.Feeder(s.conf.Source, video, audio)
		feeder.OnEnded(func(err error) {
			s.logger.Warn().AnErr("cause", err).Msg("media feed ended; closing peer connection")
			s.closePeerConnection()
		})
		s.mu.Lock()
		s.feeder = feeder
		s.mu.Unlock()
		if err := feeder.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to start media feed")
			s.terminate(Termination{Err: err})
			return
		}
	}
	s.callbackMu.Lock()
	f := s.cb.onConnected
	s.callbackMu.Unlock()
	if f != nil {
		f()
	}
}

func (s *PeerSession) closePeerConnection() {
	s.mu.Lock()
	pc := s.pc
	feeder := s.feeder
	s.mu.Unlock()
	if feeder != nil {
		feeder.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close peer connection")
		}
	}
}

func (s *PeerSession) terminate(t Termination) {
	if !s.terminated.SetToIf(false, true) {
		return
	}
	s.connected.UnSet()
	go s.closePeerConnection()
	s.callbackMu.Lock()
	f := s.cb.onTerminated
	s.callbackMu.Unlock()
	s.logger.Info().Str("termination", t.String()).Msg("peer session terminated")
	if f != nil && s.stopped.IsNotSet() {
		f(t)
	}
}

func (s *PeerSession) Stop() {
	if !s.stopped.SetToIf(false, true) {
		return
	}
	s.callbackMu.Lock()
	s.cb = callbacks{}
	s.callbackMu.Unlock()
	s.closePeerConnection()
	s.logger.Info().Msg("session stopped")
}
