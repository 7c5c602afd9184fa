package assets

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/tdewolff/minify/v2"
	minjs "github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"

	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// RemovedSentinel marks a script the transformer deleted outright. Rename
// maps carry it so the HTML rewriter drops the referencing tag instead of
// pointing it at a file that no longer exists.
const RemovedSentinel = "<removed>"

// JSOptions carries the js.* slice of the effective settings.
type JSOptions struct {
	Minify         bool
	TerserPasses   int // 1..5, extra passes re-run the minifier
	DropConsole    bool
	DropDebugger   bool
	RemovePatterns []string
}

// JSOptionsFrom extracts JS options from the effective settings tree.
func JSOptionsFrom(effective map[string]any) JSOptions {
	passes := settings.Int(effective, 1, "js", "terserPasses")
	if passes < 1 {
		passes = 1
	}
	if passes > 5 {
		passes = 5
	}
	return JSOptions{
		Minify:         settings.Bool(effective, true, "js", "minify"),
		TerserPasses:   passes,
		DropConsole:    settings.Bool(effective, false, "js", "dropConsole"),
		DropDebugger:   settings.Bool(effective, false, "js", "dropDebugger"),
		RemovePatterns: settings.Strings(effective, "js", "removePatterns"),
	}
}

// JSResult is the transformed script plus drop accounting.
type JSResult struct {
	Output          []byte
	DroppedConsole  int
	DroppedDebugger int
}

// TransformJS runs the script pipeline: strip console/debugger statements
// when asked, then minify with the configured pass count. Inline scripts go
// through the same path as standalone files.
func TransformJS(input []byte, opts JSOptions) (JSResult, error) {
	res := JSResult{Output: input}

	if opts.DropConsole || opts.DropDebugger {
		out, consoles, debuggers, err := dropDeadCalls(res.Output, opts.DropConsole, opts.DropDebugger)
		if err != nil {
			return res, fmt.Errorf("dead-code drop: %w", err)
		}
		res.Output = out
		res.DroppedConsole = consoles
		res.DroppedDebugger = debuggers
	}

	if opts.Minify {
		for i := 0; i < opts.TerserPasses; i++ {
			out, err := jsMinifier.Bytes("application/javascript", res.Output)
			if err != nil {
				return res, fmt.Errorf("minify pass %d: %w", i+1, err)
			}
			if bytes.Equal(out, res.Output) {
				break
			}
			res.Output = out
		}
	}
	return res, nil
}

// MatchesRemovePattern reports whether a script reference or its inline body
// matches one of the custom removal patterns. Patterns wrapped in slashes
// are compiled as regular expressions, everything else is a literal
// substring. A pattern that fails to compile matches nothing.
func MatchesRemovePattern(candidate string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if len(p) > 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
			re, err := regexp.Compile(p[1 : len(p)-1])
			if err != nil {
				continue
			}
			if re.MatchString(candidate) {
				return true
			}
			continue
		}
		if strings.Contains(candidate, p) {
			return true
		}
	}
	return false
}

var jsMinifier = func() *minify.M {
	m := minify.New()
	m.AddFunc("application/javascript", minjs.Minify)
	return m
}()

// dropDeadCalls removes debugger statements and rewrites console.* call
// expressions to void 0 so expression positions stay valid. The scan is
// token based; a console call whose arguments the lexer cannot balance is
// left alone rather than risk corrupting the script.
func dropDeadCalls(input []byte, dropConsole, dropDebugger bool) ([]byte, int, int, error) {
	l := js.NewLexer(parse.NewInput(bytes.NewReader(input)))

	type token struct {
		tt   js.TokenType
		data []byte
	}
	var toks []token
	for {
		tt, data := l.Next()
		if tt == js.ErrorToken {
			if err := l.Err(); err != nil && err != io.EOF {
				return input, 0, 0, err
			}
			break
		}
		toks = append(toks, token{tt, data})
	}

	isSkippable := func(tt js.TokenType) bool {
		return tt == js.WhitespaceToken || tt == js.LineTerminatorToken ||
			tt == js.CommentToken || tt == js.CommentLineTerminatorToken
	}
	next := func(i int) int {
		for j := i + 1; j < len(toks); j++ {
			if !isSkippable(toks[j].tt) {
				return j
			}
		}
		return -1
	}

	// consoleCallEnd returns the index one past the closing paren of a
	// console.<ident>(...) call starting at i, or -1 when the shape does not
	// match or the argument list cannot be balanced safely.
	consoleCallEnd := func(i int) int {
		j := next(i)
		if j < 0 || (toks[j].tt != js.DotToken && toks[j].tt != js.OptChainToken) {
			return -1
		}
		j = next(j)
		if j < 0 || toks[j].tt != js.IdentifierToken {
			return -1
		}
		j = next(j)
		if j < 0 || toks[j].tt != js.OpenParenToken {
			return -1
		}
		depth := 1
		for k := j + 1; k < len(toks); k++ {
			switch toks[k].tt {
			case js.OpenParenToken:
				depth++
			case js.CloseParenToken:
				depth--
				if depth == 0 {
					return k + 1
				}
			case js.DivToken, js.DivEqToken:
				// could be an unlexed regex literal, bail out
				return -1
			}
		}
		return -1
	}

	var (
		out       bytes.Buffer
		consoles  int
		debuggers int
		prev      js.TokenType
	)
	out.Grow(len(input))
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if dropDebugger && t.tt == js.DebuggerToken {
			debuggers++
			if j := next(i); j >= 0 && toks[j].tt == js.SemicolonToken {
				i = j
			}
			out.WriteByte(';')
			prev = js.SemicolonToken
			continue
		}
		// skip when console is itself a property (window.console.log)
		if dropConsole && t.tt == js.IdentifierToken && bytes.Equal(t.data, []byte("console")) &&
			prev != js.DotToken && prev != js.OptChainToken {
			if end := consoleCallEnd(i); end > 0 {
				consoles++
				out.WriteString("void 0")
				i = end - 1
				prev = js.CloseParenToken
				continue
			}
		}
		out.Write(t.data)
		if !isSkippable(t.tt) {
			prev = t.tt
		}
	}
	return out.Bytes(), consoles, debuggers, nil
}
