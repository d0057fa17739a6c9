package connection

import (
	"sync"
	"time"

	"corelink/engine"
	"corelink/metrics"
	"corelink/platform"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	StatusShort = 2 * time.Second
	StatusLong  = 5 * time.Second
)

// Listener receives controller events in the order they happened.
type Listener interface {
	OnConnectionStateChange(state State)
	OnStatusMessage(text string, duration time.Duration)
	OnVpnPermissionNeeded()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	StateChange      func(State)
	StatusMessage    func(string, time.Duration)
	PermissionNeeded func()
}

func (f ListenerFuncs) OnConnectionStateChange(state State) {
	if f.StateChange != nil {
		f.StateChange(state)
	}
}

func (f ListenerFuncs) OnStatusMessage(text string, duration time.Duration) {
	if f.StatusMessage != nil {
		f.StatusMessage(text, duration)
	}
}

func (f ListenerFuncs) OnVpnPermissionNeeded() {
	if f.PermissionNeeded != nil {
		f.PermissionNeeded()
	}
}

type Snapshot struct {
	State      State             `json:"state"`
	Mode       string            `json:"mode"`
	Since      time.Time         `json:"since"`
	Paused     bool              `json:"paused"`
	Permission *platform.Request `json:"permission,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Message    string            `json:"message,omitempty"`
	Session    string            `json:"session,omitempty"`
}

type eventKind int

const (
	eventState eventKind = iota
	eventStatus
	eventPermission
)

type event struct {
	kind     eventKind
	state    State
	text     string
	duration time.Duration
}

type listenerEntry struct {
	id       int
	listener Listener
}

// Store owns the connection snapshot and the ordered event queue. Only the
// controller writes to it.
type Store struct {
	lock      sync.Mutex
	snap      Snapshot
	listeners []listenerEntry
	nextID    int
	queue     []event
	draining  bool
}

func NewStore() *Store {
	s := &Store{}
	s.snap.Mode = engine.ModeNone.String()
	s.snap.Since = time.Now()
	return s
}

func (s *Store) Snapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := s.snap
	if out.Permission != nil {
		req := *out.Permission
		out.Permission = &req
	}
	return out
}

func (s *Store) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.snap.State
}

// Busy reports whether a start or restart is in flight.
func (s *Store) Busy() bool {
	return s.State() == StateConnecting
}

// AddListener registers l and returns a func that removes it.
func (s *Store) AddListener(l Listener) func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, listener: l})
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		for i, entry := range s.listeners {
			if entry.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) setState(state State) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.snap.State == state {
		return false
	}
	s.snap.State = state
	s.snap.Since = time.Now()
	if state != StateConnected {
		s.snap.Paused = false
	}
	if state != StateError {
		s.snap.LastError = ""
	}
	s.queue = append(s.queue, event{kind: eventState, state: state})
	metrics.ConnectionState.Set(float64(state))
	metrics.StateTransitionsTotal.WithLabelValues(state.String()).Inc()
	return true
}

func (s *Store) setMode(mode engine.Mode) {
	s.lock.Lock()
	s.snap.Mode = mode.String()
	s.lock.Unlock()
}

func (s *Store) setSession(id string) {
	s.lock.Lock()
	s.snap.Session = id
	s.lock.Unlock()
}

func (s *Store) setPaused(paused bool) {
	s.lock.Lock()
	s.snap.Paused = paused
	s.lock.Unlock()
}

func (s *Store) setLastError(text string) {
	s.lock.Lock()
	s.snap.LastError = text
	s.lock.Unlock()
}

func (s *Store) setPermission(req *platform.Request) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.snap.Permission = req
	if req != nil {
		s.queue = append(s.queue, event{kind: eventPermission})
	}
}

func (s *Store) permissionPending() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.snap.Permission != nil
}

func (s *Store) status(text string, duration time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.snap.Message = text
	s.queue = append(s.queue, event{kind: eventStatus, text: text, duration: duration})
}

// drain delivers queued events outside every lock. A call made while another
// goroutine is draining returns at once; the active drainer picks the new
// events up in order.
func (s *Store) drain() {
	s.lock.Lock()
	if s.draining {
		s.lock.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		listeners := make([]Listener, 0, len(s.listeners))
		for _, entry := range s.listeners {
			listeners = append(listeners, entry.listener)
		}
		s.lock.Unlock()
		for _, l := range listeners {
			deliver(l, ev)
		}
		s.lock.Lock()
	}
	s.draining = false
	s.lock.Unlock()
}

func deliver(l Listener, ev event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[Controller] listener panic: %v", r)
		}
	}()
	switch ev.kind {
	case eventState:
		l.OnConnectionStateChange(ev.state)
	case eventStatus:
		l.OnStatusMessage(ev.text, ev.duration)
	case eventPermission:
		l.OnVpnPermissionNeeded()
	}
}
