package ingestion

import (
	"bufio"
	"bytes"
	"strings"
)

// scanRecords returns a bufio.SplitFunc that yields each top-level record
// element (any tag in roots, matched case-insensitively) as one token.
// Everything between records is discarded. A record cut off by end of
// input is still returned so the decoder can report it as malformed.
func scanRecords(roots map[string]bool) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		start, name, ok := findRecordStart(data, roots)
		if !ok {
			if atEOF {
				return len(data), nil, nil
			}
			// Keep a trailing partial tag for the next read.
			if i := bytes.LastIndexByte(data, '<'); i >= 0 {
				return i, nil, nil
			}
			return len(data), nil, nil
		}

		end, complete := findRecordEnd(data[start:], name)
		if !complete {
			if atEOF {
				return len(data), data[start:], nil
			}
			return start, nil, nil
		}
		return start + end, data[start : start+end], nil
	}
}

// findRecordStart locates the first start tag whose name is a root.
func findRecordStart(data []byte, roots map[string]bool) (int, string, bool) {
	for i := 0; i < len(data); {
		j := bytes.IndexByte(data[i:], '<')
		if j < 0 {
			return -1, "", false
		}
		pos := i + j
		if name, ok := startTagName(data[pos+1:]); ok && roots[strings.ToUpper(name)] {
			return pos, name, true
		}
		i = pos + 1
	}
	return -1, "", false
}

// findRecordEnd returns the offset just past the close tag matching the
// start tag at data[0]. Record elements never contain themselves, so a
// second start tag of the same name means the first record was never
// closed: the record ends right before it and fails to parse on its own.
func findRecordEnd(data []byte, name string) (int, bool) {
	gt := bytes.IndexByte(data, '>')
	if gt < 0 {
		return 0, false
	}
	if gt > 0 && data[gt-1] == '/' {
		return gt + 1, true
	}
	for i := gt + 1; i < len(data); {
		j := bytes.IndexByte(data[i:], '<')
		if j < 0 {
			return 0, false
		}
		pos := i + j
		rest := data[pos+1:]

		if len(rest) > 0 && rest[0] == '/' {
			if closing, ok := tagNameAt(rest[1:]); ok && strings.EqualFold(closing, name) {
				end := bytes.IndexByte(rest, '>')
				if end < 0 {
					return 0, false
				}
				return pos + 1 + end + 1, true
			}
		} else if opening, ok := startTagName(rest); ok && strings.EqualFold(opening, name) {
			return pos, true
		}
		i = pos + 1
	}
	return 0, false
}

// startTagName reads the element name of a start tag body (the bytes after
// '<'). ok is false for end tags, comments, processing instructions and for
// names not yet terminated within data.
func startTagName(b []byte) (string, bool) {
	if len(b) == 0 || b[0] == '/' || b[0] == '?' || b[0] == '!' {
		return "", false
	}
	return tagNameAt(b)
}

func tagNameAt(b []byte) (string, bool) {
	for i, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n', '>', '/':
			if i == 0 {
				return "", false
			}
			return string(b[:i]), true
		}
	}
	return "", false
}
