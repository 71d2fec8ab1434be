package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// topicMatcher compiles an MQTT-style topic pattern into an anchored
// regular expression. "+" matches exactly one non-slash segment; a
// trailing "#" matches zero or more remaining segments.
type topicMatcher struct {
	pattern string
	re      *regexp.Regexp
}

func newTopicMatcher(pattern string) (*topicMatcher, error) {
	segments := strings.Split(pattern, "/")

	var sb strings.Builder
	sb.WriteString("^")
	for i, seg := range segments {
		switch seg {
		case "#":
			if i != len(segments)-1 {
				return nil, fmt.Errorf("invalid topic pattern %q: '#' must be the final segment", pattern)
			}
			if i == 0 {
				// Bare "#" matches everything.
				sb.WriteString(".*")
			} else {
				// Zero or more trailing segments: "a/#" matches "a",
				// "a/b", and "a/b/c". Swallow the separator written for
				// the previous segment boundary.
				sb.WriteString("(/.*)?")
			}
		case "+":
			if i > 0 {
				sb.WriteString("/")
			}
			sb.WriteString("[^/]+")
		default:
			if i > 0 {
				sb.WriteString("/")
			}
			sb.WriteString(regexp.QuoteMeta(seg))
		}
		// "#" handles its own separator via the optional group.
		if seg == "#" {
			break
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid topic pattern %q: %w", pattern, err)
	}
	return &topicMatcher{pattern: pattern, re: re}, nil
}

func (m *topicMatcher) matches(topic string) bool {
	return m.re.MatchString(topic)
}
