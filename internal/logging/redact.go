package logging

import (
	"regexp"
	"strings"
)

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|passphrase|access[_-]?token|bearer|password|ok-access-[a-z]+)(["']?\s*[=:]\s*["']?|\s+)([^\s"',}]+)`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
}

// MaskCredential keeps the first and last four characters of long values.
func MaskCredential(value string) string {
	switch {
	case len(value) == 0:
		return ""
	case len(value) <= 4:
		return strings.Repeat("*", len(value))
	case len(value) <= 8:
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// Redact masks credential-looking values in free text such as venue error
// bodies.
func Redact(input string) string {
	out := sensitivePatterns[0].ReplaceAllStringFunc(input, func(match string) string {
		m := sensitivePatterns[0].FindStringSubmatch(match)
		return m[1] + m[2] + MaskCredential(m[3])
	})
	return sensitivePatterns[1].ReplaceAllStringFunc(out, MaskCredential)
}
