package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/ffmpeg"
	"github.com/castaneai/castrelay/pkg/internal/webrtcutil"
	"github.com/castaneai/castrelay/pkg/logging"
	"github.com/castaneai/castrelay/pkg/streams"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264writer"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	pliInterval       = 2 * time.Second
	trackReadTimeout  = 5 * time.Second
	opusSampleRate    = 48000
	opusChannels      = 2
	firstExtraFileFD  = 3
	maxExpectedTracks = 2
)

// WebRTCHandler answers offers from peer casters. The received H.264 and
// Opus tracks are written to ffmpeg through pipes.
type WebRTCHandler struct {
	srv    *Server
	api    *webrtc.API
	logger zerolog.Logger
}

func newWebRTCHandler(srv *Server) (*WebRTCHandler, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errors.Wrap(err, "failed to register H264 codec")
	}
	if err := engine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "failed to register Opus codec")
	}
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, interceptors); err != nil {
		return nil, errors.Wrap(err, "failed to register interceptors")
	}
	return &WebRTCHandler{
		srv:    srv,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(engine), webrtc.WithInterceptorRegistry(interceptors)),
		logger: srv.logger,
	}, nil
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	offer, err := readOffer(r)
	if err != nil {
		h.srv.conf.Metrics.Rejected("offer")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	streamKey := q.Get("streamKey")
	if streamKey == "" {
		streamKey = q.Get("rtmp")
	}
	if streamKey == "" {
		h.srv.conf.Metrics.Rejected("missing_key")
		http.Error(w, "missing streamKey query param", http.StatusBadRequest)
		return
	}
	output, err := h.srv.resolveOutput(r.Context(), streamKey)
	if err != nil {
		if errors.Cause(err) == streams.ErrStreamNotFound {
			h.srv.conf.Metrics.Rejected("unknown_key")
			http.Error(w, "unknown stream key", http.StatusNotFound)
			return
		}
		h.srv.conf.Metrics.Rejected("resolve")
		h.logger.Error().Err(err).Msg("failed to resolve stream output")
		http.Error(w, "failed to resolve stream", http.StatusInternalServerError)
		return
	}

	if !h.srv.track() {
		http.Error(w, shutdownReason, http.StatusServiceUnavailable)
		return
	}
	ns := logNamespace(r, streamKey)
	pi := &peerIngest{
		h:      h,
		logger: logging.WithNamespace(h.logger, ns),
		opts:   ffmpeg.Opts{LogNs: ns, Output: output},
		done:   make(chan struct{}),
	}
	answer, err := pi.accept(*offer)
	if err != nil {
		pi.logger.Error().Err(err).Msg("failed to accept offer")
		pi.teardown()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		pi.logger.Warn().Err(err).Msg("failed to write answer")
	}
}

// readOffer accepts a JSON session description, or the base64 form when
// sent as text/plain.
func readOffer(r *http.Request) (*webrtc.SessionDescription, error) {
	mimeType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mimeType {
	case "application/json":
		return webrtcutil.ReadSDP(r.Body, false)
	case "text/plain":
		return webrtcutil.ReadSDP(r.Body, true)
	}
	return nil, errors.Errorf("unsupported mime type: %s", mimeType)
}

// expectedTracks counts the audio and video sections of an offer; ffmpeg
// is started once that many tracks arrived.
func expectedTracks(offer webrtc.SessionDescription) (int, error) {
	parsed, err := offer.Unmarshal()
	if err != nil {
		return 0, errors.Wrap(err, "failed to parse offer")
	}
	kinds := map[string]bool{}
	for _, md := range parsed.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio", "video":
			kinds[md.MediaName.Media] = true
		}
	}
	if len(kinds) == 0 {
		return 0, errors.New("offer has no audio or video")
	}
	return len(kinds), nil
}

type trackInput struct {
	input ffmpeg.Input
	file  *os.File
	video bool
}

// peerIngest is one peer connection relayed to one ffmpeg process.
type peerIngest struct {
	h      *WebRTCHandler
	logger zerolog.Logger
	opts   ffmpeg.Opts

	pc       *webrtc.PeerConnection
	expected int
	ctx      context.Context
	cancel   context.CancelFunc

	mu sync.Mutex
	// inputs hold the pipe read ends until they are handed to ffmpeg
	inputs   []trackInput
	tracks   int
	proc     *ffmpeg.Process
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
	finish   func()
}

func (pi *peerIngest) accept(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	expected, err := expectedTracks(offer)
	if err != nil {
		return nil, err
	}
	pi.expected = expected
	pi.ctx, pi.cancel = context.WithCancel(pi.h.srv.ctx)
	go func() {
		<-pi.ctx.Done()
		pi.teardown()
	}()
	pi.finish = pi.h.srv.conf.Metrics.ConnectionOpened("webrtc")

	conf := pi.h.srv.conf.WebRTC
	if conf.ICEServers == nil {
		conf.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pc, err := pi.h.api.NewPeerConnection(conf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}
	pi.pc = pc
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return nil, errors.Wrapf(err, "failed to add %s transceiver", kind)
		}
	}
	pc.OnTrack(pi.onTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pi.logger.Info().Str("state", state.String()).Msg("connection state has changed")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			go pi.teardown()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, errors.Wrap(err, "failed to set remote description")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create answer")
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, errors.Wrap(err, "failed to set local description")
	}
	<-gatherComplete
	return pc.LocalDescription(), nil
}

func (pi *peerIngest) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	codec := track.Codec()
	logger := pi.logger.With().Str("codec", codec.MimeType).Logger()
	r, w, err := os.Pipe()
	if err != nil {
		logger.Error().Err(err).Msg("failed to create track pipe")
		pi.teardown()
		return
	}
	var (
		writer media.Writer
		in     trackInput
	)
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeH264):
		writer = h264writer.NewWith(w)
		in = trackInput{input: ffmpeg.Input{Format: "h264"}, file: r, video: true}
		go pi.sendPLI(track)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		writer, err = oggwriter.NewWith(w, opusSampleRate, opusChannels)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create ogg writer")
			r.Close()
			w.Close()
			pi.teardown()
			return
		}
		in = trackInput{input: ffmpeg.Input{Format: "ogg"}, file: r}
	default:
		logger.Warn().Msg("ignoring track with unsupported codec")
		r.Close()
		w.Close()
		return
	}
	logger.Info().Msg("track received")
	if pi.addTrack(in) {
		if err := pi.copyTrack(track, writer); err != nil {
			logger.Warn().Err(err).Msg("track ended")
		}
	}
	// the writer belongs to this goroutine; nothing else writes to it
	if err := writer.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close track writer")
	}
	pi.teardown()
}

// addTrack registers a track and starts ffmpeg once every expected track
// is there.
func (pi *peerIngest) addTrack(in trackInput) bool {
	pi.mu.Lock()
	if pi.closed || pi.tracks >= pi.expected {
		pi.mu.Unlock()
		in.file.Close()
		return false
	}
	pi.inputs = append(pi.inputs, in)
	pi.tracks++
	if pi.tracks < pi.expected {
		pi.mu.Unlock()
		return true
	}
	opts := pi.opts
	files := make([]*os.File, 0, len(pi.inputs))
	for i, in := range pi.inputs {
		in.input.URL = fmt.Sprintf("pipe:%d", firstExtraFileFD+i)
		opts.Inputs = append(opts.Inputs, in.input)
		files = append(files, in.file)
		if in.video {
			opts.MimeType = webrtc.MimeTypeH264
		}
	}
	pi.inputs = nil
	proc, err := ffmpeg.Start(pi.ctx, pi.h.srv.conf.FFmpegPath, opts, pi.logger, files...)
	// the child holds its own copies of the read ends
	for _, f := range files {
		f.Close()
	}
	if err != nil {
		pi.mu.Unlock()
		pi.logger.Error().Err(err).Msg("failed to start ffmpeg")
		pi.teardown()
		return false
	}
	pi.proc = proc
	pi.mu.Unlock()
	pi.h.srv.conf.Metrics.ProcessStarted()
	go func() {
		<-proc.Done()
		pi.logger.Info().Int("code", proc.ExitCode()).Msg("ffmpeg exited; closing peer connection")
		pi.h.srv.conf.Metrics.ProcessExited("process")
		pi.teardown()
	}()
	return true
}

func (pi *peerIngest) copyTrack(track *webrtc.TrackRemote, writer media.Writer) error {
	for pi.ctx.Err() == nil {
		if err := track.SetReadDeadline(time.Now().Add(trackReadTimeout)); err != nil {
			return err
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return err
		}
		n := len(pkt.Payload)
		if err := writer.WriteRTP(pkt); err != nil {
			return err
		}
		pi.h.srv.conf.Metrics.AddBytes("webrtc", int64(n))
	}
	return nil
}

// sendPLI asks the caster for a keyframe on an interval.
func (pi *peerIngest) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-pi.ctx.Done():
			return
		}
		if err := pi.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			pi.logger.Debug().Err(err).Msg("failed to send PLI")
		}
	}
}

func (pi *peerIngest) teardown() {
	pi.doneOnce.Do(func() {
		pi.mu.Lock()
		pi.closed = true
		proc := pi.proc
		var pending []*os.File
		for _, in := range pi.inputs {
			pending = append(pending, in.file)
		}
		pi.inputs = nil
		pi.mu.Unlock()

		if pi.cancel != nil {
			pi.cancel()
		}
		// closing the read ends unblocks track writers waiting on a full pipe
		for _, f := range pending {
			f.Close()
		}
		if proc != nil {
			proc.Kill()
		}
		if pi.pc != nil {
			if err := pi.pc.Close(); err != nil {
				pi.logger.Warn().Err(err).Msg("failed to close peer connection")
			}
		}
		if pi.finish != nil {
			pi.finish()
		}
		close(pi.done)
		pi.h.srv.conns.Done()
		pi.logger.Info().Msg("webrtc ingest closed")
	})
}
