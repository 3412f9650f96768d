package prompt

import (
	"regexp"
	"strings"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][0-9A-Za-z]|\x1b[=>]`)

// Normalize strips terminal escape sequences, bells and carriage returns so
// that prompts and echoes can be matched as plain text.
func Normalize(s string) string {
	if strings.IndexByte(s, 0x1b) >= 0 {
		s = ansiPattern.ReplaceAllString(s, "")
	}
	if strings.IndexByte(s, '\r') >= 0 {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		s = strings.ReplaceAll(s, "\r", "")
	}
	if strings.IndexByte(s, 0x07) >= 0 {
		s = strings.ReplaceAll(s, "\x07", "")
	}
	return s
}
