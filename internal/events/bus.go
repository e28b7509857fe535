package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultHandlerTimeout bounds a single handler invocation during Emit.
const DefaultHandlerTimeout = 5 * time.Second

// Handler receives one envelope. The context carries the per-handler deadline.
type Handler func(ctx context.Context, env Envelope) error

// Envelope is an emitted event. It is never mutated after Emit builds it.
type Envelope struct {
	ID        string    `json:"id"`
	Name      Name      `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Status is the outcome of one handler invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Outcome records one handler invocation.
type Outcome struct {
	SubscriptionID uint64        `json:"subscription_id"`
	Owner          string        `json:"owner"`
	Pattern        Name          `json:"pattern"`
	Status         Status        `json:"status"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

// EmissionResult aggregates the outcomes of one Emit call, in registration order.
type EmissionResult struct {
	Envelope  Envelope      `json:"envelope"`
	Matched   int           `json:"matched"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Outcomes  []Outcome     `json:"outcomes"`
	Duration  time.Duration `json:"duration_ns"`
}

// SubscriptionHandle identifies a subscription for Unsubscribe.
type SubscriptionHandle struct {
	ID      uint64
	Owner   string
	Pattern Name
}

// SubscriptionInfo is a read-only view of a registered subscription.
type SubscriptionInfo struct {
	ID      uint64 `json:"id"`
	Owner   string `json:"owner"`
	Pattern Name   `json:"pattern"`
}

type subscription struct {
	id      uint64
	owner   string
	pattern Name
	handler Handler
}

// Bus dispatches events to subscribers. Writers (Subscribe/Unsubscribe) are
// serialized and publish a fresh immutable snapshot; Emit reads the current
// snapshot without locking, so it never observes a table mid-mutation.
type Bus struct {
	mu      sync.Mutex
	subs    atomic.Pointer[[]*subscription]
	nextID  atomic.Uint64
	timeout time.Duration
	sinks   []Sink
	catalog *Catalog
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithHandlerTimeout bounds each handler invocation. Non-positive values
// select DefaultHandlerTimeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(b *Bus) { b.log = l } }

// WithSink appends audit sinks. Sink failures are logged and never fail Emit.
func WithSink(s ...Sink) Option { return func(b *Bus) { b.sinks = append(b.sinks, s...) } }

// WithCatalog enables payload validation on Emit for known event names.
func WithCatalog(c *Catalog) Option { return func(b *Bus) { b.catalog = c } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// NewBus constructs a Bus with no subscriptions.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		timeout: DefaultHandlerTimeout,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	empty := make([]*subscription, 0)
	b.subs.Store(&empty)
	return b
}

// AddSink attaches an audit sink after construction.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(append([]Sink(nil), b.sinks...), s)
	b.mu.Unlock()
}

// HandlerTimeout returns the per-handler deadline.
func (b *Bus) HandlerTimeout() time.Duration { return b.timeout }

// Subscribe registers handler for pattern on behalf of owner ("core" if empty).
func (b *Bus) Subscribe(pattern Name, handler Handler, owner string) (SubscriptionHandle, error) {
	if err := ValidatePattern(pattern); err != nil {
		return SubscriptionHandle{}, err
	}
	if handler == nil {
		return SubscriptionHandle{}, ErrNilHandler
	}
	if owner == "" {
		owner = CoreOwner
	}
	s := &subscription{
		id:      b.nextID.Add(1),
		owner:   owner,
		pattern: pattern,
		handler: handler,
	}

	b.mu.Lock()
	cur := *b.subs.Load()
	next := make([]*subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	b.subs.Store(&next)
	b.mu.Unlock()

	subscriptionsGauge.Inc()
	b.log.Debug().Str("pattern", string(pattern)).Str("owner", owner).Uint64("id", s.id).Msg("subscribed")
	return SubscriptionHandle{ID: s.id, Owner: owner, Pattern: pattern}, nil
}

// Unsubscribe removes the subscription behind h. It reports whether anything
// was removed; repeated calls are no-ops.
func (b *Bus) Unsubscribe(h SubscriptionHandle) bool {
	return b.remove(func(s *subscription) bool { return s.id == h.ID }) > 0
}

// UnsubscribeAll removes every subscription registered by owner and returns
// how many were removed.
func (b *Bus) UnsubscribeAll(owner string) int {
	n := b.remove(func(s *subscription) bool { return s.owner == owner })
	if n > 0 {
		b.log.Debug().Str("owner", owner).Int("removed", n).Msg("unsubscribed owner")
	}
	return n
}

func (b *Bus) remove(match func(*subscription) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.subs.Load()
	next := make([]*subscription, 0, len(cur))
	for _, s := range cur {
		if !match(s) {
			next = append(next, s)
		}
	}
	removed := len(cur) - len(next)
	if removed > 0 {
		b.subs.Store(&next)
		subscriptionsGauge.Sub(float64(removed))
	}
	return removed
}

// Subscriptions returns the current subscriptions in registration order.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	cur := *b.subs.Load()
	out := make([]SubscriptionInfo, len(cur))
	for i, s := range cur {
		out[i] = SubscriptionInfo{ID: s.id, Owner: s.owner, Pattern: s.pattern}
	}
	return out
}

// CountOwned returns the number of subscriptions held by owner.
func (b *Bus) CountOwned(owner string) int {
	n := 0
	for _, s := range *b.subs.Load() {
		if s.owner == owner {
			n++
		}
	}
	return n
}

// Owners returns the distinct owners holding subscriptions, in first
// registration order.
func (b *Bus) Owners() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range *b.subs.Load() {
		if !seen[s.owner] {
			seen[s.owner] = true
			out = append(out, s.owner)
		}
	}
	return out
}

// Len returns the number of registered subscriptions.
func (b *Bus) Len() int { return len(*b.subs.Load()) }

// Emit dispatches payload to every subscription matching name and waits for
// all of them (each bounded by the handler timeout). Handler failures are
// reported in the result only; the returned error is reserved for caller
// errors such as wildcard names.
func (b *Bus) Emit(ctx context.Context, name Name, payload any) (EmissionResult, error) {
	if err := ValidateConcrete(name); err != nil {
		return EmissionResult{}, err
	}
	if b.catalog != nil {
		if err := b.catalog.ValidatePayload(name, payload); err != nil {
			return EmissionResult{}, err
		}
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		EmittedAt: b.now(),
	}

	matched := b.match(name)
	start := time.Now()
	outcomes := make([]Outcome, len(matched))
	var wg sync.WaitGroup
	for i, s := range matched {
		wg.Add(1)
		go func(i int, s *subscription) {
			defer wg.Done()
			outcomes[i] = b.invoke(ctx, s, env)
		}(i, s)
	}
	wg.Wait()

	res := EmissionResult{
		Envelope: env,
		Matched:  len(matched),
		Outcomes: outcomes,
		Duration: time.Since(start),
	}
	for _, o := range outcomes {
		if o.Status == StatusSuccess {
			res.Succeeded++
		} else {
			res.Failed++
		}
		handlerOutcomes.WithLabelValues(string(o.Status)).Inc()
		handlerDuration.Observe(o.Duration.Seconds())
	}
	eventsEmitted.WithLabelValues(name.Domain()).Inc()

	if res.Failed > 0 {
		b.log.Warn().Str("event", string(name)).Int("failed", res.Failed).Int("matched", res.Matched).Msg("event handlers failed")
	} else {
		b.log.Debug().Str("event", string(name)).Int("matched", res.Matched).Dur("dur", res.Duration).Msg("event emitted")
	}

	b.record(ctx, res)
	return res, nil
}

func (b *Bus) match(name Name) []*subscription {
	cur := *b.subs.Load()
	var out []*subscription
	for _, s := range cur {
		if s.pattern.Matches(name) {
			out = append(out, s)
		}
	}
	return out
}

// invoke runs one handler on its own goroutine so that a handler ignoring its
// context cannot hold the outcome past the deadline. The goroutine may keep
// running after a timeout; only the reported outcome is bounded.
func (b *Bus) invoke(ctx context.Context, s *subscription, env Envelope) Outcome {
	out := Outcome{SubscriptionID: s.id, Owner: s.owner, Pattern: s.pattern}
	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Str("event", string(env.Name)).Str("owner", s.owner).
					Str("stack", string(debug.Stack())).Msgf("event handler panic: %v", r)
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- s.handler(hctx, env)
	}()

	select {
	case err := <-done:
		out.Duration = time.Since(start)
		switch {
		case err == nil:
			out.Status = StatusSuccess
		case errors.Is(err, context.DeadlineExceeded) && hctx.Err() != nil && ctx.Err() == nil:
			out.Status = StatusTimeout
			out.Error = ErrHandlerTimeout.Error()
		default:
			out.Status = StatusError
			out.Error = err.Error()
		}
	case <-hctx.Done():
		out.Duration = time.Since(start)
		if ctx.Err() != nil {
			out.Status = StatusError
			out.Error = ctx.Err().Error()
		} else {
			out.Status = StatusTimeout
			out.Error = ErrHandlerTimeout.Error()
		}
	}
	if out.Status != StatusSuccess {
		b.log.Debug().Str("event", string(env.Name)).Str("owner", s.owner).
			Str("status", string(out.Status)).Str("error", out.Error).Msg("handler failed")
	}
	return out
}

func (b *Bus) record(ctx context.Context, res EmissionResult) {
	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	sctx := context.WithoutCancel(ctx)
	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Str("event", string(res.Envelope.Name)).Msgf("audit sink panic: %v", r)
				}
			}()
			if err := s.Record(sctx, res); err != nil {
				sinkFailures.Inc()
				b.log.Error().Err(err).Str("event", string(res.Envelope.Name)).Msg("audit sink failed")
			}
		}()
	}
}
