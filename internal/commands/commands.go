// Package commands holds the fixed control lexicon recognised before any
// free-text handling. Matching is on the whole trimmed, lower-cased message.
package commands

import (
	"regexp"
	"strings"
)

var closeWords = map[string]struct{}{
	"cerrar":  {},
	"fin":     {},
	"#cerrar": {},
	"#fin":    {},
	"salir":   {},
}

var extendWords = map[string]struct{}{
	"#mas":       {},
	"#más":       {},
	"#continuar": {},
}

var bridgeTo = regexp.MustCompile(`^(?:bridge|chat\s*directo|directo)\s+(.+)$`)

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// IsClose reports whether text ends an open bridge session.
func IsClose(text string) bool {
	_, ok := closeWords[normalize(text)]
	return ok
}

// IsExtend reports whether text asks for more time on an open session.
func IsExtend(text string) bool {
	_, ok := extendWords[normalize(text)]
	return ok
}

// BridgeTarget returns the name following a bridge-to command.
func BridgeTarget(text string) (string, bool) {
	m := bridgeTo.FindStringSubmatch(normalize(text))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// IsControl reports whether text is any control command. Control commands
// are never relayed to a bridge peer.
func IsControl(text string) bool {
	if IsClose(text) || IsExtend(text) {
		return true
	}
	_, ok := BridgeTarget(text)
	return ok
}
