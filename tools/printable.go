package tools

import (
	"strings"
	"unicode"
)

type printableType interface {
	~string | ~[]rune | ~[]byte
}

// IsPrintable drops the characters that are not printable, server replies are logged through it
func IsPrintable[T printableType](v T) string {
	var s string
	switch v := any(v).(type) {
	case string:
		s = v
	case []rune:
		s = string(v)
	case []byte:
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}

// Shorten cuts a printable version of s to at most n runes
func Shorten(s string, n int) string {
	s = IsPrintable(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
