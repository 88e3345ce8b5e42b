// Package session composes the room channel, reconciler, debouncer and
// completion coordinator into the object a UI talks to.
//
// One goroutine per session owns the document. Inbound frames, local edits
// and settle events all reach it through channels, so the document, the
// debounce timer and the completion sequence never race each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codesync/internal/channel"
	"github.com/manpreetbhatti/codesync/internal/completion"
	"github.com/manpreetbhatti/codesync/internal/debounce"
	"github.com/manpreetbhatti/codesync/internal/ids"
	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/metrics"
	"github.com/manpreetbhatti/codesync/internal/protocol"
	"github.com/manpreetbhatti/codesync/internal/reconcile"
)

const (
	defaultEventBuffer = 64
	inboxSize          = 256
)

var ErrInvalidConfig = errors.New("session: invalid config")

// Config is everything a session needs. Endpoints are explicit; nothing here
// is read from the environment.
type Config struct {
	RelayURL string
	RoomID   string

	Completer         completion.Completer
	Language          string
	Debounce          time.Duration
	CompletionTimeout time.Duration

	Dialer      *websocket.Dialer
	EventBuffer int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.RelayURL) == "":
		return fmt.Errorf("%w: missing relay url", ErrInvalidConfig)
	case strings.TrimSpace(c.RoomID) == "":
		return fmt.Errorf("%w: missing room id", ErrInvalidConfig)
	case c.Completer == nil:
		return fmt.Errorf("%w: missing completer", ErrInvalidConfig)
	}
	return nil
}

type EventKind int

const (
	DocumentChanged EventKind = iota + 1
	SuggestionChanged
	StatusChanged
)

func (k EventKind) String() string {
	switch k {
	case DocumentChanged:
		return "document"
	case SuggestionChanged:
		return "suggestion"
	case StatusChanged:
		return "status"
	default:
		return "unknown"
	}
}

// Event carries the new value for its Kind; other fields are zero.
type Event struct {
	Kind       EventKind
	Document   string
	Origin     reconcile.Origin
	Suggestion completion.Suggestion
	Status     channel.State
	Err        error
}

type edit struct {
	text   string
	origin reconcile.Origin
}

type Session struct {
	id      string
	roomID  string
	log     *slog.Logger
	metrics *metrics.Metrics

	ch    *channel.Channel
	rec   *reconcile.Reconciler
	deb   *debounce.Debouncer
	coord *completion.Coordinator

	inbox    chan edit
	events   chan Event
	closing  chan struct{}
	loopDone chan struct{}

	teardownOnce sync.Once
	teardownErr  error

	mu         sync.RWMutex
	document   string
	origin     reconcile.Origin
	suggestion completion.Suggestion
	status     channel.State
	statusErr  error
}

// Start opens the room and begins processing. It returns as soon as the
// connection attempt is underway; watch Status or Events for the outcome.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id, err := ids.NewULID(time.Now())
	if err != nil {
		return nil, fmt.Errorf("session: id: %w", err)
	}

	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = defaultEventBuffer
	}

	log := logging.OrDefault(cfg.Logger).With("session_id", id, "room_id", cfg.RoomID)

	s := &Session{
		id:       id,
		roomID:   cfg.RoomID,
		log:      log,
		metrics:  cfg.Metrics,
		rec:      reconcile.New(),
		deb:      debounce.New(cfg.Debounce),
		inbox:    make(chan edit, inboxSize),
		events:   make(chan Event, buf),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
		status:   channel.Connecting,
	}

	s.coord = completion.NewCoordinator(cfg.Completer, completion.CoordinatorOptions{
		Language: cfg.Language,
		Timeout:  cfg.CompletionTimeout,
		OnChange: s.setSuggestion,
		Logger:   log,
		Metrics:  cfg.Metrics,
	})

	s.ch = channel.Dial(ctx, cfg.RelayURL, cfg.RoomID, channel.Options{
		Dialer:    cfg.Dialer,
		OnMessage: s.onRemote,
		OnState:   s.setStatus,
		Logger:    log,
		Metrics:   cfg.Metrics,
	})

	go s.loop()

	log.Info("session.start", "debounce", s.deb.Delay().String())
	return s, nil
}

func (s *Session) ID() string     { return s.id }
func (s *Session) RoomID() string { return s.roomID }

// Edit submits a local edit: the full new document text.
func (s *Session) Edit(text string) {
	select {
	case s.inbox <- edit{text: text, origin: reconcile.OriginLocal}:
	case <-s.closing:
	}
}

// Document returns the current document text.
func (s *Session) Document() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.document
}

// Origin reports whether the current document came from this participant or
// from the room.
func (s *Session) Origin() reconcile.Origin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origin
}

// Suggestion returns the visible suggestion, if any.
func (s *Session) Suggestion() completion.Suggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suggestion
}

// Status returns the connection state and, when Failed, its reason.
func (s *Session) Status() (channel.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.statusErr
}

// Events delivers state changes. Delivery is best effort: if the buffer is
// full the event is dropped, and the getters stay authoritative. The channel
// is closed by Teardown.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Teardown stops the loop, then closes the channel, cancels any pending
// debounce and makes the coordinator inert, in that order. Every step runs
// even if an earlier one fails. Teardown is idempotent and returns the same
// result each time.
func (s *Session) Teardown() error {
	s.teardownOnce.Do(func() {
		close(s.closing)
		// No settle value can reach the coordinator once the loop is gone.
		<-s.loopDone

		errs := []error{
			step("close channel", s.ch.Close),
			step("stop debouncer", func() error { s.deb.Stop(); return nil }),
			step("close coordinator", func() error { s.coord.Close(); return nil }),
		}

		close(s.events)

		s.teardownErr = errors.Join(errs...)
		s.log.Info("session.teardown", "err", s.teardownErr)
	})
	return s.teardownErr
}

func step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: %s: panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("session: %s: %w", name, err)
	}
	return nil
}

func (s *Session) loop() {
	defer close(s.loopDone)

	settled := s.deb.Settled()
	for {
		select {
		case <-s.closing:
			return

		case e := <-s.inbox:
			switch e.origin {
			case reconcile.OriginLocal:
				s.applyLocal(e.text)
			case reconcile.OriginRemote:
				s.applyRemote(e.text)
			}

		case text, ok := <-settled:
			if !ok {
				settled = nil
				continue
			}
			// select picks randomly among ready cases.
			select {
			case <-s.closing:
				return
			default:
			}
			if seq := s.coord.OnSettled(text); seq != 0 {
				s.log.Debug("session.settled", "seq", seq, "chars", len(text))
			}
		}
	}
}

func (s *Session) applyLocal(text string) {
	if s.rec.ApplyLocal(text) {
		if err := s.ch.Send(protocol.NewUpdate(text)); err != nil {
			s.log.Debug("session.broadcast.skip", "err", err, "version", s.rec.Version())
		} else {
			s.metrics.Broadcast()
		}
	}
	s.deb.Notify(text)
	s.setDocument(s.rec.Current(), s.rec.Origin())
}

// applyRemote never broadcasts and never feeds the debouncer.
func (s *Session) applyRemote(text string) {
	s.rec.ApplyRemote(text)
	s.metrics.RemoteUpdate()
	s.setDocument(s.rec.Current(), s.rec.Origin())
}

// onRemote runs on the channel's reader goroutine. init and update_code are
// both whole-document replacements.
func (s *Session) onRemote(msg protocol.Message) {
	select {
	case s.inbox <- edit{text: msg.Code, origin: reconcile.OriginRemote}:
	case <-s.closing:
	}
}

func (s *Session) setDocument(text string, origin reconcile.Origin) {
	s.mu.Lock()
	s.document = text
	s.origin = origin
	s.mu.Unlock()

	s.emit(Event{Kind: DocumentChanged, Document: text, Origin: origin})
}

func (s *Session) setSuggestion(sg completion.Suggestion) {
	s.mu.Lock()
	s.suggestion = sg
	s.mu.Unlock()

	s.emit(Event{Kind: SuggestionChanged, Suggestion: sg})
}

func (s *Session) setStatus(state channel.State, reason error) {
	s.mu.Lock()
	s.status = state
	s.statusErr = reason
	s.mu.Unlock()

	s.emit(Event{Kind: StatusChanged, Status: state, Err: reason})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("session.event.drop", "kind", ev.Kind.String())
	}
}
