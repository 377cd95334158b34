package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/fault"
)

// ParserContext is handed to each parser handler in priority order. A
// handler may rewrite the action, consume or replace tokens, merge
// parameters, and surface the trailing JSON payload.
type ParserContext struct {
	Action     string
	Tokens     []string
	Parameters map[string]any
	Payload    any
	HasPayload bool
}

// ParserHandler inspects and mutates a ParserContext. Returning an error
// aborts the parse.
type ParserHandler func(*ParserContext) error

type parserRegistration struct {
	verb     string // "" matches any verb
	priority int
	order    int
	fn       ParserHandler
}

// Parse turns an interactive statement into an action and parameter map.
//
// Tokenization is quote-aware (double and single quotes, with \" \\ \'
// escapes). A trailing {…} or […] fragment is extracted first and parsed
// as the JSON payload. Flags --key=value and --flag, plus bareword
// key=value pairs, are folded into the parameters; remaining positional
// tokens stay in order under "args".
func (d *Dispatcher) Parse(statement string) (string, map[string]any, error) {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return "", nil, fault.New(fault.InvalidParameter, "empty statement")
	}

	rest, payload, hasPayload, err := extractPayload(statement)
	if err != nil {
		return "", nil, err
	}
	tokens, err := tokenize(rest)
	if err != nil {
		return "", nil, err
	}
	if len(tokens) == 0 {
		return "", nil, fault.New(fault.InvalidParameter, "statement has no verb")
	}

	pctx := &ParserContext{
		Action:     tokens[0],
		Tokens:     tokens,
		Parameters: map[string]any{},
		Payload:    payload,
		HasPayload: hasPayload,
	}

	for _, reg := range d.parserHandlersFor(pctx.Action) {
		if err := reg.fn(pctx); err != nil {
			return "", nil, err
		}
	}

	d.resolveAction(pctx)
	foldParameters(pctx)

	if pctx.HasPayload {
		pctx.Parameters["payload"] = pctx.Payload
	}
	return pctx.Action, pctx.Parameters, nil
}

// resolveAction matches the longest leading token run against registered
// command names (two words, then one) unless a parser handler already
// rewrote the action to a registered command.
func (d *Dispatcher) resolveAction(pctx *ParserContext) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if pctx.Action != "" {
		if _, ok := d.handlers[strings.ToLower(pctx.Action)]; ok && !strings.EqualFold(pctx.Action, firstToken(pctx.Tokens)) {
			// A handler set a full action name already.
			return
		}
	}
	for n := 2; n >= 1; n-- {
		if len(pctx.Tokens) < n {
			continue
		}
		candidate := strings.ToLower(strings.Join(pctx.Tokens[:n], " "))
		if _, ok := d.handlers[candidate]; ok {
			pctx.Action = candidate
			pctx.Tokens = pctx.Tokens[n:]
			return
		}
	}
	// Unknown action: leave the verb; Dispatch reports it.
	pctx.Action = strings.ToLower(firstToken(pctx.Tokens))
	if len(pctx.Tokens) > 0 {
		pctx.Tokens = pctx.Tokens[1:]
	}
}

func firstToken(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}

// foldParameters moves flags and key=value tokens into the parameter map
// and keeps the remaining positional tokens under "args".
func foldParameters(pctx *ParserContext) {
	var positional []string
	for _, tok := range pctx.Tokens {
		switch {
		case strings.HasPrefix(tok, "--"):
			body := strings.TrimPrefix(tok, "--")
			if key, value, found := strings.Cut(body, "="); found {
				pctx.Parameters[key] = value
			} else if body != "" {
				pctx.Parameters[body] = true
			}
		case isBarewordAssignment(tok):
			key, value, _ := strings.Cut(tok, "=")
			pctx.Parameters[key] = value
		default:
			positional = append(positional, tok)
		}
	}
	if len(positional) > 0 {
		args := make([]any, len(positional))
		for i, p := range positional {
			args[i] = p
		}
		pctx.Parameters["args"] = args
	}
	pctx.Tokens = nil
}

// isBarewordAssignment recognizes key=value where key looks like an
// identifier, so selectors such as "hero@2" stay positional.
func isBarewordAssignment(tok string) bool {
	key, _, found := strings.Cut(tok, "=")
	if !found || key == "" {
		return false
	}
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '.' || r == '-') {
			return false
		}
	}
	return true
}

// extractPayload splits a trailing {…} or […] JSON fragment off the
// statement. Quotes inside the fragment are honored when balancing.
func extractPayload(statement string) (rest string, payload any, ok bool, err error) {
	trimmed := strings.TrimRight(statement, " \t")
	if trimmed == "" || (trimmed[len(trimmed)-1] != '}' && trimmed[len(trimmed)-1] != ']') {
		return statement, nil, false, nil
	}
	closer := trimmed[len(trimmed)-1]
	opener := byte('{')
	if closer == ']' {
		opener = '['
	}

	depth := 0
	inString := false
	start := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		c := trimmed[i]
		if inString {
			// Walking backwards: a quote ends the string unless the
			// preceding byte escapes it.
			if c == '"' && (i == 0 || trimmed[i-1] != '\\') {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case closer:
			depth++
		case opener:
			depth--
			if depth == 0 {
				start = i
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return statement, nil, false, nil
	}
	fragment := trimmed[start:]
	// Only treat it as a payload when it is detached from the command
	// words (start of statement never counts as payload).
	if start == 0 {
		return statement, nil, false, nil
	}

	var raw any
	dec := json.NewDecoder(strings.NewReader(fragment))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return "", nil, false, fault.Wrap(fault.InvalidJSON, err, "invalid JSON payload: %v", err)
	}
	norm, err := canonical.Normalize(raw)
	if err != nil {
		return "", nil, false, fault.Wrap(fault.InvalidJSON, err, "invalid JSON payload: %v", err)
	}
	return strings.TrimRight(trimmed[:start], " \t"), norm, true, nil
}

// tokenize splits a statement into words, keeping quoted substrings as
// single tokens. Escape sequences \" \\ \' are honored inside quotes.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote byte
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && quote != 0:
			escaped = true
		case quote != 0:
			if c == quote {
				quote = 0
				tokens = append(tokens, cur.String())
				cur.Reset()
			} else {
				cur.WriteByte(c)
			}
		case c == '"' || c == '\'':
			// Inline quote: "key="value"" keeps accumulating into the
			// current token.
			if cur.Len() > 0 {
				quoteStart := i
				end, content, err := scanQuoted(s, quoteStart)
				if err != nil {
					return nil, err
				}
				cur.WriteString(content)
				i = end
				continue
			}
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fault.New(fault.InvalidParameter, "unterminated quote in statement")
	}
	flush()
	return tokens, nil
}

// scanQuoted reads a quoted run starting at s[start] and returns the index
// of the closing quote plus the unescaped content.
func scanQuoted(s string, start int) (int, string, error) {
	quote := s[start]
	var content strings.Builder
	escaped := false
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		if escaped {
			content.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == quote {
			return i, content.String(), nil
		}
		content.WriteByte(c)
	}
	return 0, "", fault.New(fault.InvalidParameter, "unterminated quote in statement")
}
