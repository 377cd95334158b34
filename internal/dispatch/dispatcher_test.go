package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
)

func okHandler(ctx context.Context, params map[string]any) (*Response, error) {
	return OK("", "done", params), nil
}

func TestRegisterDuplicateFails(t *testing.T) {
	d := New(nil, nil)
	require.NoError(t, d.Register("Project Create", okHandler, Meta{}))
	err := d.Register("project create", okHandler, Meta{})
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := New(nil, nil)
	resp := d.Dispatch(context.Background(), "missing", nil)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "unknown command")
}

func TestDispatchSuccessEmitsExecuted(t *testing.T) {
	bus := events.NewBus(nil)
	var executed []events.Event
	bus.Subscribe("command.executed", func(ev events.Event) { executed = append(executed, ev) })

	d := New(bus, nil)
	require.NoError(t, d.Register("ping", okHandler, Meta{}))
	resp := d.Dispatch(context.Background(), "PING", map[string]any{"x": 1})

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ping", resp.Action)
	require.Len(t, executed, 1)
	assert.Equal(t, "ping", executed[0].Payload["action"])
	assert.Contains(t, executed[0].Payload, "duration_ms")
}

func TestDispatchPanicBecomesEnvelope(t *testing.T) {
	bus := events.NewBus(nil)
	var failed int
	bus.Subscribe("command.failed", func(events.Event) { failed++ })

	d := New(bus, nil)
	require.NoError(t, d.Register("boom", func(context.Context, map[string]any) (*Response, error) {
		panic("kaput")
	}, Meta{}))

	resp := d.Dispatch(context.Background(), "boom", nil)
	assert.Equal(t, "error", resp.Status)
	exc := resp.Meta["exception"].(map[string]any)
	assert.Equal(t, "kaput", exc["message"])
	assert.Equal(t, "panic", exc["type"])
	assert.Equal(t, 1, failed)
}

func TestDispatchClassifiedError(t *testing.T) {
	d := New(nil, nil)
	require.NoError(t, d.Register("bad", func(context.Context, map[string]any) (*Response, error) {
		return nil, fault.New(fault.NotFound, "entity %q not found", "hero")
	}, Meta{}))

	resp := d.Dispatch(context.Background(), "bad", nil)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, string(fault.NotFound), resp.Meta["kind"])
	_, hasException := resp.Meta["exception"]
	assert.False(t, hasException)
}

func TestDispatchUnclassifiedErrorCarriesException(t *testing.T) {
	d := New(nil, nil)
	require.NoError(t, d.Register("oops", func(context.Context, map[string]any) (*Response, error) {
		return nil, errors.New("disk on fire")
	}, Meta{}))

	resp := d.Dispatch(context.Background(), "oops", nil)
	assert.Equal(t, "error", resp.Status)
	require.Contains(t, resp.Meta, "exception")
}

func TestExecuteParsesAndDispatches(t *testing.T) {
	d := New(nil, nil)
	var got map[string]any
	require.NoError(t, d.Register("project create", func(_ context.Context, params map[string]any) (*Response, error) {
		got = params
		return OK("", "created", nil), nil
	}, Meta{}))

	resp := d.Execute(context.Background(), `project create demo title="Demo Project" --force`)
	require.Equal(t, "ok", resp.Status)
	assert.Equal(t, "Demo Project", got["title"])
	assert.Equal(t, true, got["force"])
	assert.Equal(t, []any{"demo"}, got["args"])
}

func TestExecuteWithJSONPayload(t *testing.T) {
	d := New(nil, nil)
	var got map[string]any
	require.NoError(t, d.Register("entity save", func(_ context.Context, params map[string]any) (*Response, error) {
		got = params
		return OK("", "", nil), nil
	}, Meta{}))

	resp := d.Execute(context.Background(), `entity save demo hero {"name":"Aria","role":"Pilot"}`)
	require.Equal(t, "ok", resp.Status)
	assert.Equal(t, []any{"demo", "hero"}, got["args"])
	assert.Equal(t, map[string]any{"name": "Aria", "role": "Pilot"}, got["payload"])
}

func TestExecuteInvalidPayloadJSON(t *testing.T) {
	d := New(nil, nil)
	require.NoError(t, d.Register("entity save", okHandler, Meta{}))
	resp := d.Execute(context.Background(), `entity save demo hero {"name":`)
	assert.Equal(t, "error", resp.Status)
}

func TestParserHandlerRewritesAction(t *testing.T) {
	d := New(nil, nil)
	require.NoError(t, d.Register("entity list", okHandler, Meta{}))
	// "ls demo" becomes "entity list demo".
	d.RegisterParserHandler("ls", func(pctx *ParserContext) error {
		pctx.Tokens = append([]string{"entity", "list"}, pctx.Tokens[1:]...)
		return nil
	}, 0)

	resp := d.Execute(context.Background(), "ls demo")
	require.Equal(t, "ok", resp.Status)
	assert.Equal(t, "entity list", resp.Action)
}

func TestParserHandlerPriorityOrder(t *testing.T) {
	d := New(nil, nil)
	require.NoError(t, d.Register("x", okHandler, Meta{}))
	var order []int
	d.RegisterParserHandler("", func(*ParserContext) error { order = append(order, 2); return nil }, 10)
	d.RegisterParserHandler("", func(*ParserContext) error { order = append(order, 1); return nil }, 0)

	d.Execute(context.Background(), "x")
	assert.Equal(t, []int{1, 2}, order)
}

func TestTokenizeQuotes(t *testing.T) {
	tokens, err := tokenize(`one "two words" 'three \' four' five`)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two words", "three ' four", "five"}, tokens)
}

func TestTokenizeUnterminatedQuote(t *testing.T) {
	_, err := tokenize(`broken "quote`)
	assert.Error(t, err)
}
