package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/castaneai/castrelay/pkg/capture"
	"github.com/castaneai/castrelay/pkg/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type SessionFactory func(id string, strategy transport.Strategy, source *capture.MediaSource) (transport.Session, error)

type Option func(s *Supervisor)

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Supervisor) { s.newID = newID }
}

// Supervisor owns the current transport session of a recording. It starts
// one on Start, replaces it when the source changes and restarts it when
// it fails in a way the RetryPolicy considers transient.
type Supervisor struct {
	factory SessionFactory
	policy  RetryPolicy
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string

	mu                sync.Mutex
	ctx               context.Context
	state             State
	source            *capture.MediaSource
	sessions          map[string]transport.Session
	onRecordingChange func(bool)
}

func New(factory SessionFactory, policy RetryPolicy, logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		factory:  factory,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.Must(uuid.NewRandom()).String() },
		ctx:      context.Background(),
		sessions: make(map[string]transport.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) OnRecordingChange(f func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecordingChange = f
}

// Start begins recording source. A recording already in progress is
// stopped first.
func (s *Supervisor) Start(ctx context.Context, source *capture.MediaSource, strategy transport.Strategy) error {
	if source == nil {
		return errors.New("no media source to record")
	}
	s.mu.Lock()
	s.ctx = ctx
	s.source = source
	s.mu.Unlock()
	return s.dispatch(StartEvent{SessionID: s.newID(), Strategy: strategy, At: s.now()})
}

func (s *Supervisor) Stop() {
	if err := s.dispatch(StopEvent{}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to stop recording")
	}
}

// Restart switches the recording to source. When not recording, the
// source is only remembered.
func (s *Supervisor) Restart(source *capture.MediaSource) error {
	s.mu.Lock()
	s.source = source
	recording := s.state.Recording
	s.mu.Unlock()
	if !recording {
		return nil
	}
	return s.dispatch(SourceChangedEvent{NextSessionID: s.newID(), At: s.now()})
}

func (s *Supervisor) dispatch(ev Event) error {
	s.mu.Lock()
	prev := s.state
	next, effects := HandleEvent(s.policy, prev, ev)
	s.state = next
	var finished transport.Session
	if e, ok := ev.(TerminatedEvent); ok && e.SessionID == prev.Current {
		finished = s.sessions[e.SessionID]
		delete(s.sessions, e.SessionID)
	}
	s.mu.Unlock()

	if finished != nil {
		finished.Stop()
	}
	return s.apply(effects)
}

func (s *Supervisor) apply(effects []Effect) error {
	var firstErr error
	for _, effect := range effects {
		switch e := effect.(type) {
		case StopSession:
			s.mu.Lock()
			sess := s.sessions[e.SessionID]
			delete(s.sessions, e.SessionID)
			s.mu.Unlock()
			if sess != nil {
				s.logger.Info().Str("session", e.SessionID).Msg("stopping session")
				sess.Stop()
			}
		case StartSession:
			if err := s.startSession(e.SessionID, e.Strategy); err != nil && firstErr == nil {
				firstErr = err
			}
		case Retrying:
			s.logger.Warn().Str("session", e.SessionID).Str("cause", e.Cause.String()).Msg("transport failed; retrying")
		case RecordingChanged:
			s.mu.Lock()
			f := s.onRecordingChange
			s.mu.Unlock()
			s.logger.Info().Bool("recording", e.Recording).Msg("recording state has changed")
			if f != nil {
				f(e.Recording)
			}
		}
	}
	return firstErr
}

func (s *Supervisor) startSession(id string, strategy transport.Strategy) error {
	s.mu.Lock()
	source := s.source
	ctx := s.ctx
	s.mu.Unlock()

	sess, err := s.factory(id, strategy, source)
	if err != nil {
		err = errors.Wrapf(err, "failed to create %s session", strategy)
		s.logger.Error().Err(err).Str("session", id).Msg("session not started")
		// a session that never existed cannot be retried
		if derr := s.dispatch(TerminatedEvent{SessionID: id, Termination: transport.Termination{Err: err}, At: s.now()}); derr != nil {
			s.logger.Warn().Err(derr).Msg("failed to stop recording")
		}
		return err
	}

	s.mu.Lock()
	if !s.state.Recording || s.state.Current != id {
		s.mu.Unlock()
		sess.Stop()
		return nil
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.OnConnected(func() {
		s.logger.Info().Str("session", id).Str("transport", strategy.String()).Msg("session connected")
		_ = s.dispatch(ConnectedEvent{SessionID: id})
	})
	sess.OnTerminated(func(t transport.Termination) {
		if err := s.dispatch(TerminatedEvent{SessionID: id, Termination: t, At: s.now(), NextSessionID: s.newID()}); err != nil {
			s.logger.Error().Err(err).Msg("failed to restart session")
		}
	})
	s.logger.Info().Str("session", id).Str("transport", strategy.String()).Msg("starting session")
	if err := sess.Start(ctx); err != nil {
		err = errors.Wrapf(err, "failed to start %s session", strategy)
		if derr := s.dispatch(TerminatedEvent{SessionID: id, Termination: transport.Termination{Err: err}, At: s.now()}); derr != nil {
			s.logger.Warn().Err(derr).Msg("failed to stop recording")
		}
		return err
	}
	return nil
}
