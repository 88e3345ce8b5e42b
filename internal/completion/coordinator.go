package completion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/metrics"
)

// Completion outcomes recorded in metrics.
const (
	outcomeIssued  = "issued"
	outcomeApplied = "applied"
	outcomeStale   = "stale"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

type CoordinatorOptions struct {
	Language string

	// Timeout bounds a single backend call. Zero means no timeout.
	Timeout time.Duration

	// OnChange is called with the new suggestion every time the visible
	// suggestion changes. Calls are serialized under the coordinator lock, so
	// it must not block or call back into the Coordinator.
	OnChange func(Suggestion)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator issues one backend request per settled edit and applies a
// response only when its sequence number is the most recently issued one.
// Superseded requests still run to completion; their results are dropped.
// Safe for concurrent use.
type Coordinator struct {
	backend  Completer
	language string
	timeout  time.Duration
	onChange func(Suggestion)
	log      *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	seq        uint64
	answered   uint64
	suggestion Suggestion
	inert      bool
}

func NewCoordinator(backend Completer, opts CoordinatorOptions) *Coordinator {
	lang := opts.Language
	if lang == "" {
		lang = DefaultLanguage
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		backend:  backend,
		language: lang,
		timeout:  opts.Timeout,
		onChange: opts.OnChange,
		log:      logging.OrDefault(opts.Logger),
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnSettled issues a request for text and returns its sequence number, or 0
// when nothing was issued (inert coordinator or empty document).
func (c *Coordinator) OnSettled(text string) uint64 {
	c.mu.Lock()
	if c.inert {
		c.mu.Unlock()
		return 0
	}
	if text == "" {
		c.mu.Unlock()
		c.metrics.Completion(outcomeSkipped)
		return 0
	}

	prev := c.seq
	c.seq++
	seq := c.seq

	// The previous request never answered, so whatever is visible describes
	// an even older document.
	if prev != 0 && c.answered < prev && c.suggestion.Valid {
		c.suggestion = Suggestion{}
		c.notify(Suggestion{})
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.Completion(outcomeIssued)
	c.log.Debug("completion.issue", "seq", seq, "chars", len(text))

	req := Request{
		Code:           text,
		CursorPosition: len(text),
		Language:       c.language,
	}
	go c.request(seq, req)

	return seq
}

// Suggestion returns the visible suggestion.
func (c *Coordinator) Suggestion() Suggestion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suggestion
}

// Latest returns the most recently issued sequence number.
func (c *Coordinator) Latest() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Close makes the coordinator inert: in-flight requests are cancelled and no
// later response changes the suggestion. Close does not wait for backend
// calls that ignore cancellation.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.inert = true
	c.mu.Unlock()
	c.cancel()
}

// Wait blocks until every issued request goroutine has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) request(seq uint64, req Request) {
	defer c.wg.Done()

	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		c.resolve(seq, "", err)
		return
	}

	text, err := c.backend.Complete(ctx, req)
	c.resolve(seq, text, err)
}

func (c *Coordinator) resolve(seq uint64, text string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inert {
		return
	}
	if seq != c.seq {
		c.metrics.Completion(outcomeStale)
		c.log.Debug("completion.stale", "seq", seq, "latest", c.seq)
		return
	}
	c.answered = seq
	if err != nil {
		c.metrics.Completion(outcomeFailed)
		c.log.Warn("completion.fail", "seq", seq, "err", err)
		return
	}

	c.metrics.Completion(outcomeApplied)

	// An empty suggestion hides whatever was shown before.
	next := Suggestion{}
	if text != "" {
		next = Suggestion{Text: text, Seq: seq, Valid: true}
	}
	if next != c.suggestion {
		c.suggestion = next
		c.notify(next)
	}
}

// notify must be called with c.mu held.
func (c *Coordinator) notify(s Suggestion) {
	if c.onChange != nil {
		c.onChange(s)
	}
}
