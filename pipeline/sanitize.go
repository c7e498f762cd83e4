package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var windowsDeviceNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SecureFilename reduces an untrusted client filename to something safe to
// join onto a directory: non-ASCII is folded or dropped, path separators
// become word breaks, whitespace runs become "_", and only [A-Za-z0-9_.-]
// survives. Leading and trailing dots and underscores are trimmed, so the
// result never traverses upward. The result may be empty.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)

	var ascii strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			ascii.WriteByte(' ')
		case r < unicode.MaxASCII:
			ascii.WriteRune(r)
		}
	}

	joined := strings.Join(strings.Fields(ascii.String()), "_")

	var safe strings.Builder
	for _, r := range joined {
		if isSafeRune(r) {
			safe.WriteRune(r)
		}
	}

	out := strings.Trim(safe.String(), "._")
	if out == "" {
		return ""
	}
	if _, ok := windowsDeviceNames[strings.ToUpper(strings.SplitN(out, ".", 2)[0])]; ok {
		out = "_" + out
	}
	return out
}

func isSafeRune(r rune) bool {
	return r >= 'a' && r <= 'z' ||
		r >= 'A' && r <= 'Z' ||
		r >= '0' && r <= '9' ||
		r == '_' || r == '.' || r == '-'
}
