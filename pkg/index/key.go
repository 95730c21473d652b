package index

import "strings"

// Key is an ordered tuple of opaque strings, e.g. (revision-id) or
// (file-id, revision-id). All keys within one index have the same width.
type Key []string

// Compare orders keys lexicographically element by element, with a shorter
// key sorting before any longer key it prefixes.
func (k Key) Compare(other Key) int {
	n := len(k)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(k[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(other):
		return -1
	case len(k) > len(other):
		return 1
	}
	return 0
}

// String renders the key with NUL separators. Key elements never contain
// NUL, so the rendering is unique and usable as a map key.
func (k Key) String() string {
	return strings.Join(k, "\x00")
}

// ParseKey is the inverse of String.
func ParseKey(s string) Key {
	return Key(strings.Split(s, "\x00"))
}
