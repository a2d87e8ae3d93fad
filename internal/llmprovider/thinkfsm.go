package llmprovider

import "strings"

var thinkStartTokens = []string{"<think>", "【咨询解析】", "## 思考过程", "关键实体"}
var thinkEndTokens = []string{"</think>", "【综合解答】", "## 最终答案"}

// flushThreshold bounds how long the FSM withholds bytes while it waits to
// see whether a boundary token is forming at the tail of the buffer (spec
// §4.K: "flush partial buffers whenever the buffer exceeds ~30-50 chars").
const flushThreshold = 40

// longestToken bounds how many trailing bytes of already-flushed output we
// must hold back in case a token starts mid-buffer.
func longestToken(tokens []string) int {
	n := 0
	for _, t := range tokens {
		if len(t) > n {
			n = len(t)
		}
	}
	return n
}

var maxTokenLen = func() int {
	a, b := longestToken(thinkStartTokens), longestToken(thinkEndTokens)
	if a > b {
		return a
	}
	return b
}()

// thinkState is the state of the CONTENT/IN_THINK demultiplexer (spec §4.K:
// "a small FSM with states {CONTENT, IN_THINK}, transitions on token-boundary
// scans over a rolling buffer").
type thinkState int

const (
	stateContent thinkState = iota
	stateThink
)

// ThinkFSM demultiplexes a single provider's raw delta stream into
// THINK:/CONTENT: chunks by scanning for marker tokens, for providers that
// don't expose a dedicated reasoning-content channel (spec §4.K, "else scan
// cumulative text for start tokens ... switch back to CONTENT"). It is not
// safe for concurrent use.
type ThinkFSM struct {
	state  thinkState
	buf    strings.Builder
	onThink   func(string)
	onContent func(string)
}

// NewThinkFSM constructs a marker-scanning demultiplexer. onThink and
// onContent are called with classified chunks as they are safe to flush.
func NewThinkFSM(onThink, onContent func(string)) *ThinkFSM {
	return &ThinkFSM{onThink: onThink, onContent: onContent}
}

// Feed appends raw provider text to the rolling buffer and flushes whatever
// can be safely classified.
func (f *ThinkFSM) Feed(chunk string) {
	f.buf.WriteString(chunk)
	f.drain(false)
}

// Close flushes any remaining buffered bytes at stream end, classified by
// the FSM's current state.
func (f *ThinkFSM) Close() {
	f.drain(true)
}

func (f *ThinkFSM) emit(s string) {
	if s == "" {
		return
	}
	if f.state == stateThink {
		f.onThink(s)
	} else {
		f.onContent(s)
	}
}

// drain scans the buffer for the next boundary token matching the current
// state and emits everything up to it, repeating until no more boundaries
// are found. If final is false, the remainder stays buffered (a token might
// still be forming) until the buffer has grown past flushThreshold; then
// everything except the last maxTokenLen-1 bytes is emitted.
func (f *ThinkFSM) drain(final bool) {
	for {
		s := f.buf.String()
		tokens := thinkStartTokens
		if f.state == stateThink {
			tokens = thinkEndTokens
		}
		idx, tok := findEarliest(s, tokens)
		if idx >= 0 {
			f.emit(s[:idx])
			if f.state == stateThink {
				f.state = stateContent
			} else {
				f.state = stateThink
			}
			f.buf.Reset()
			f.buf.WriteString(s[idx+len(tok):])
			continue
		}
		if final {
			f.emit(s)
			f.buf.Reset()
			return
		}
		if len(s) > flushThreshold {
			safe := len(s) - maxTokenLen + 1
			if safe > 0 {
				f.emit(s[:safe])
				f.buf.Reset()
				f.buf.WriteString(s[safe:])
			}
		}
		return
	}
}

func findEarliest(s string, tokens []string) (int, string) {
	best := -1
	var bestTok string
	for _, t := range tokens {
		if i := strings.Index(s, t); i >= 0 && (best == -1 || i < best) {
			best = i
			bestTok = t
		}
	}
	return best, bestTok
}

// StripFencedCode removes ``` ... ``` fenced code block markers from
// CONTENT output (spec §4.K post-filter, "to avoid spurious UI code
// rendering"). It strips the fence delimiters only, not the code inside.
func StripFencedCode(s string) string {
	return strings.ReplaceAll(s, "```", "")
}
