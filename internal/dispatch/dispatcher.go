// Package dispatch is the command core every entry point funnels into: a
// named handler registry, a quote-aware statement parser with pluggable
// pre-handlers, and the unified response envelope. Panics never escape a
// dispatch; they are converted into error envelopes exactly once here.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
)

// Handler executes one command. Returning an error (instead of an error
// envelope) lets the dispatcher classify it via the fault taxonomy.
type Handler func(ctx context.Context, params map[string]any) (*Response, error)

// Meta describes a registered command for help output.
type Meta struct {
	Summary string
	Usage   string
}

type registration struct {
	name    string
	handler Handler
	meta    Meta
}

// Dispatcher holds the command registry and parser handlers.
type Dispatcher struct {
	mu             sync.RWMutex
	handlers       map[string]registration
	parserHandlers []parserRegistration
	parserOrder    int

	bus    *events.Bus
	logger *slog.Logger
}

// New returns an empty dispatcher. bus may be nil.
func New(bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: map[string]registration{},
		bus:      bus,
		logger:   logger,
	}
}

// Register adds a named command. Names are lowercased; registering a name
// twice fails.
func (d *Dispatcher) Register(name string, handler Handler, meta Meta) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fault.New(fault.InvalidParameter, "command name must not be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		return fault.New(fault.InvalidParameter, "command %q already registered", name)
	}
	d.handlers[name] = registration{name: name, handler: handler, meta: meta}
	return nil
}

// MustRegister panics on a duplicate name; used during bootstrap where a
// duplicate is a programming error.
func (d *Dispatcher) MustRegister(name string, handler Handler, meta Meta) {
	if err := d.Register(name, handler, meta); err != nil {
		panic(err)
	}
}

// RegisterParserHandler adds a statement pre-handler. verb "" matches any
// leading verb. Handlers run in ascending priority, insertion order
// breaking ties.
func (d *Dispatcher) RegisterParserHandler(verb string, fn ParserHandler, priority int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parserOrder++
	d.parserHandlers = append(d.parserHandlers, parserRegistration{
		verb:     strings.ToLower(verb),
		priority: priority,
		order:    d.parserOrder,
		fn:       fn,
	})
}

func (d *Dispatcher) parserHandlersFor(verb string) []parserRegistration {
	verb = strings.ToLower(verb)
	d.mu.RLock()
	defer d.mu.RUnlock()
	matched := make([]parserRegistration, 0, len(d.parserHandlers))
	for _, reg := range d.parserHandlers {
		if reg.verb == "" || reg.verb == verb {
			matched = append(matched, reg)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority < matched[j].priority
		}
		return matched[i].order < matched[j].order
	})
	return matched
}

// Commands lists registered command names with metadata, sorted by name.
func (d *Dispatcher) Commands() map[string]Meta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Meta, len(d.handlers))
	for name, reg := range d.handlers {
		out[name] = reg.meta
	}
	return out
}

// Dispatch runs the named command and always returns an envelope. Any
// panic or returned error is coerced into a status=error response with
// meta.exception populated for exception-originated failures.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) *Response {
	action := strings.ToLower(strings.TrimSpace(name))
	start := time.Now()

	d.mu.RLock()
	reg, ok := d.handlers[action]
	d.mu.RUnlock()
	if !ok {
		return Errorf(action, fmt.Sprintf("unknown command %q", action))
	}
	if params == nil {
		params = map[string]any{}
	}

	resp, panicked := d.invoke(ctx, reg, params)
	duration := time.Since(start).Milliseconds()

	if resp.Action == "" {
		resp.Action = action
	}
	switch {
	case resp.IsOK():
		d.emit("command.executed", action, resp.Status, duration)
	case panicked || hasException(resp):
		d.logger.Error("command failed",
			"action", action, "status", resp.Status, "duration_ms", duration,
			"message", resp.Message)
		d.emit("command.failed", action, resp.Status, duration)
	}
	return resp
}

// Execute parses a statement and dispatches the result; parse failures
// become error envelopes so raw errors never cross the entry point.
func (d *Dispatcher) Execute(ctx context.Context, statement string) *Response {
	action, params, err := d.Parse(statement)
	if err != nil {
		resp := Errorf(action, err.Error())
		if meta := fault.MetaOf(err); meta != nil {
			for k, v := range meta {
				resp.WithMeta(k, v)
			}
		}
		return resp
	}
	return d.Dispatch(ctx, action, params)
}

func (d *Dispatcher) invoke(ctx context.Context, reg registration, params map[string]any) (resp *Response, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			resp = Errorf(reg.name, fmt.Sprintf("command panicked: %v", r)).
				WithMeta("exception", map[string]any{
					"message": fmt.Sprint(r),
					"type":    "panic",
				})
		}
	}()

	resp, err := reg.handler(ctx, params)
	if err != nil {
		kind := fault.KindOf(err)
		out := Errorf(reg.name, err.Error())
		for k, v := range fault.MetaOf(err) {
			out.WithMeta(k, v)
		}
		out.WithMeta("kind", string(kind))
		if kind == fault.HandlerException || kind == fault.StorageFailure || kind == fault.IntegrityFailure {
			out.WithMeta("exception", map[string]any{
				"message": err.Error(),
				"type":    string(kind),
			})
		}
		return out, false
	}
	if resp == nil {
		resp = OK(reg.name, "", nil)
	}
	return resp, false
}

func hasException(resp *Response) bool {
	if resp.Meta == nil {
		return false
	}
	_, ok := resp.Meta["exception"]
	return ok
}

func (d *Dispatcher) emit(event, action, status string, durationMS int64) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(event, map[string]any{
		"action":      action,
		"status":      status,
		"duration_ms": durationMS,
	})
}
