package adapter

import "strings"

// maxMessageRunes stays under the Bot API limit of 4096 characters.
const maxMessageRunes = 4000

// chunkText cuts s into messages of at most limit runes. Newlines at a cut
// are dropped.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = maxMessageRunes
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		n := cutAt(rs, limit, html)
		out = append(out, strings.TrimRight(string(rs[:n]), "\n"))
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

// cutAt picks the chunk length: after the last newline that leaves at least
// a third of the window, else the full window. In HTML mode it backs off
// before the outermost element still open at the cut.
func cutAt(rs []rune, limit int, html bool) int {
	if len(rs) <= limit {
		return len(rs)
	}
	n := limit
	for i := limit - 1; i > 0 && i >= limit/3; i-- {
		if rs[i] == '\n' {
			n = i + 1
			break
		}
	}
	if html {
		if open := openElement(rs[:n]); open > 0 {
			n = open
		}
	}
	return n
}

// openElement returns the index of the outermost tag in rs that is unclosed,
// or of a tag cut in half when nothing earlier is open. It returns -1 when
// every tag is balanced.
func openElement(rs []rune) int {
	var stack []int
	for i := 0; i < len(rs); i++ {
		if rs[i] != '<' {
			continue
		}
		end := indexRune(rs[i:], '>')
		if end < 0 {
			if len(stack) > 0 && stack[0] > 0 {
				return stack[0]
			}
			return i
		}
		switch {
		case i+1 < len(rs) && rs[i+1] == '/':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case rs[i+end-1] != '/':
			stack = append(stack, i)
		}
		i += end
	}
	if len(stack) > 0 {
		return stack[0]
	}
	return -1
}

func indexRune(rs []rune, r rune) int {
	for i, c := range rs {
		if c == r {
			return i
		}
	}
	return -1
}
