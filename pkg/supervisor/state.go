package supervisor

import (
	"time"

	"github.com/castaneai/castrelay/pkg/transport"
)

// State is the supervisor's view of the recording. It is a value; every
// transition returns a new one.
type State struct {
	Recording bool
	Current   string
	Strategy  transport.Strategy
	CreatedAt time.Time
	Connected bool
	Retries   int
}

type Event interface{ event() }

type StartEvent struct {
	SessionID string
	Strategy  transport.Strategy
	At        time.Time
}

type ConnectedEvent struct {
	SessionID string
}

type TerminatedEvent struct {
	SessionID   string
	Termination transport.Termination
	At          time.Time
	// NextSessionID is used when the session is retried.
	NextSessionID string
}

type StopEvent struct{}

type SourceChangedEvent struct {
	NextSessionID string
	At            time.Time
}

func (StartEvent) event()         {}
func (ConnectedEvent) event()     {}
func (TerminatedEvent) event()    {}
func (StopEvent) event()          {}
func (SourceChangedEvent) event() {}

type Effect interface{ effect() }

type StartSession struct {
	SessionID string
	Strategy  transport.Strategy
}

type StopSession struct {
	SessionID string
}

type RecordingChanged struct {
	Recording bool
}

type Retrying struct {
	SessionID string
	Cause     transport.Termination
}

func (StartSession) effect()     {}
func (StopSession) effect()      {}
func (RecordingChanged) effect() {}
func (Retrying) effect()         {}

// HandleEvent computes the next state and the effects to run. Events for a
// session other than the current one are ignored. Effects must be applied
// in order; a StopSession always precedes the StartSession that replaces it.
func HandleEvent(policy RetryPolicy, prev State, ev Event) (State, []Effect) {
	next := prev
	switch e := ev.(type) {
	case StartEvent:
		var effects []Effect
		if prev.Recording {
			effects = append(effects, StopSession{SessionID: prev.Current})
		}
		next = State{
			Recording: true,
			Current:   e.SessionID,
			Strategy:  e.Strategy,
			CreatedAt: e.At,
		}
		effects = append(effects, StartSession{SessionID: e.SessionID, Strategy: e.Strategy})
		if !prev.Recording {
			effects = append(effects, RecordingChanged{Recording: true})
		}
		return next, effects

	case ConnectedEvent:
		if !prev.Recording || e.SessionID != prev.Current {
			return prev, nil
		}
		next.Connected = true
		return next, nil

	case TerminatedEvent:
		if !prev.Recording || e.SessionID != prev.Current {
			return prev, nil
		}
		age := e.At.Sub(prev.CreatedAt)
		if ShouldRetry(policy, prev.Strategy, e.Termination, age) && e.NextSessionID != "" {
			next.Current = e.NextSessionID
			next.CreatedAt = e.At
			next.Connected = false
			next.Retries++
			return next, []Effect{
				Retrying{SessionID: e.NextSessionID, Cause: e.Termination},
				StartSession{SessionID: e.NextSessionID, Strategy: prev.Strategy},
			}
		}
		return State{}, []Effect{
			StopSession{SessionID: prev.Current},
			RecordingChanged{Recording: false},
		}

	case StopEvent:
		if !prev.Recording {
			return prev, nil
		}
		return State{}, []Effect{
			StopSession{SessionID: prev.Current},
			RecordingChanged{Recording: false},
		}

	case SourceChangedEvent:
		if !prev.Recording {
			return prev, nil
		}
		next.Current = e.NextSessionID
		next.CreatedAt = e.At
		next.Connected = false
		return next, []Effect{
			StopSession{SessionID: prev.Current},
			StartSession{SessionID: e.NextSessionID, Strategy: prev.Strategy},
		}
	}
	return prev, nil
}
