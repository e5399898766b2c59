package render

import (
	"strings"
	"unicode/utf8"
)

const (
	TelegramTextLimit = 4000
	WebhookTextLimit  = 2000
)

// splitText cuts plain text into chunks of at most limit runes. It prefers a
// line break in the last two thirds of the window.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = TelegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	chunks := make([]string, 0, len(rs)/limit+1)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = lineCut(rs, start, end, limit)
		}

		if c := strings.TrimRight(string(rs[start:end]), "\n"); c != "" {
			chunks = append(chunks, c)
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return chunks
}

func lineCut(rs []rune, start, end, limit int) int {
	floor := start + limit/3
	for i := end - 1; i > floor; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	return end
}

// htmlToken is one indivisible piece of Telegram HTML: a tag, an entity or a
// single rune of text.
type htmlToken struct {
	text    string
	runes   int
	tag     string
	closing bool
}

func (t htmlToken) newline() bool { return t.text == "\n" }

func tokenizeHTML(s string) []htmlToken {
	rs := []rune(s)
	toks := make([]htmlToken, 0, len(rs))
	for i := 0; i < len(rs); {
		switch rs[i] {
		case '<':
			if j := indexRuneFrom(rs, i, '>'); j > i {
				toks = append(toks, tagToken(string(rs[i:j+1])))
				i = j + 1
				continue
			}
		case '&':
			if j := entityEnd(rs, i); j > i {
				toks = append(toks, htmlToken{text: string(rs[i : j+1]), runes: j + 1 - i})
				i = j + 1
				continue
			}
		}
		toks = append(toks, htmlToken{text: string(rs[i]), runes: 1})
		i++
	}
	return toks
}

func indexRuneFrom(rs []rune, from int, r rune) int {
	for i := from; i < len(rs); i++ {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// entityEnd returns the index of the ';' closing the entity starting at i, or
// -1 when rs[i] is a bare ampersand.
func entityEnd(rs []rune, i int) int {
	for j := i + 1; j < len(rs) && j <= i+10; j++ {
		switch r := rs[j]; {
		case r == ';':
			if j > i+1 {
				return j
			}
			return -1
		case r == '#', r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return -1
		}
	}
	return -1
}

func tagToken(text string) htmlToken {
	t := htmlToken{text: text, runes: utf8.RuneCountInString(text)}
	name := strings.TrimSuffix(strings.TrimPrefix(text, "<"), ">")
	if strings.HasPrefix(name, "/") {
		t.closing = true
		name = name[1:]
	}
	if i := strings.IndexAny(name, " \t\n/"); i >= 0 {
		name = name[:i]
	}
	t.tag = strings.ToLower(name)
	return t
}

// push applies t to the stack of open tags and returns the new stack.
func push(stack []htmlToken, t htmlToken) []htmlToken {
	if t.tag == "" {
		return stack
	}
	if !t.closing {
		return append(stack, t)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].tag == t.tag {
			return append(stack[:i:i], stack[i+1:]...)
		}
	}
	return stack
}

func closers(stack []htmlToken) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString("</")
		b.WriteString(stack[i].tag)
		b.WriteString(">")
	}
	return b.String()
}

func closersLen(stack []htmlToken) int {
	n := 0
	for _, t := range stack {
		n += len(t.tag) + 3
	}
	return n
}

// splitHTML cuts Telegram HTML into chunks of at most limit runes. Tags and
// entities are never cut; tags still open at a cut are closed at the end of
// the chunk and reopened at the start of the next one. Like splitText it
// prefers a line break in the last two thirds of the window.
func splitHTML(s string, limit int) []string {
	if limit <= 0 {
		limit = TelegramTextLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	toks := tokenizeHTML(s)

	type mark struct {
		bytes int
		next  int
		stack []htmlToken
	}

	var (
		chunks []string
		open   []htmlToken
	)
	for i := 0; i < len(toks); {
		for i < len(toks) && toks[i].newline() {
			i++
		}
		if i == len(toks) {
			break
		}

		var b strings.Builder
		n := 0
		for _, t := range open {
			b.WriteString(t.text)
			n += t.runes
		}
		prefix := b.Len()
		stack := append([]htmlToken(nil), open...)
		var cut *mark

		j := i
		for ; j < len(toks); j++ {
			t := toks[j]
			next := push(append([]htmlToken(nil), stack...), t)
			if n+t.runes+closersLen(next) > limit && j > i {
				break
			}
			if t.newline() && n > limit/3 {
				cut = &mark{bytes: b.Len(), next: j + 1, stack: stack}
			}
			b.WriteString(t.text)
			n += t.runes
			stack = next
		}

		body, next := b.String(), j
		if j < len(toks) && cut != nil {
			body, stack, next = body[:cut.bytes], cut.stack, cut.next
		}
		body = strings.TrimRight(body, "\n")
		if strings.TrimSpace(body[min(prefix, len(body)):]) != "" {
			chunks = append(chunks, body+closers(stack))
		}
		open, i = stack, next
	}
	return chunks
}
