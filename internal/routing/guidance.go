package routing

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// guidanceHeaders are the section titles recognized in the project routing
// document, checked in order.
var guidanceHeaders = []string{"## Routing Guidance", "## Agent Routing Rules"}

var sectionBreakPattern = regexp.MustCompile(`\n##\s`)

// LoadGuidance reads the routing guidance section from the document at
// path. A blank path or missing file yields empty guidance without error;
// only a read failure on a present file is reported.
func LoadGuidance(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration.
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read routing guidance %s: %w", path, err)
	}
	return guidanceSection(string(raw)), nil
}

// guidanceSection extracts the first recognized section body, ending at the
// next level-two heading.
func guidanceSection(content string) string {
	for _, header := range guidanceHeaders {
		idx := strings.Index(content, header)
		if idx == -1 {
			continue
		}
		rest := content[idx:]
		newline := strings.IndexByte(rest, '\n')
		if newline == -1 {
			continue
		}
		body := rest[newline+1:]
		if loc := sectionBreakPattern.FindStringIndex(body); loc != nil {
			body = body[:loc[0]]
		}
		return strings.TrimSpace(body)
	}
	return ""
}
