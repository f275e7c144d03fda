// Package shinkiname implements ShinkaiName, the canonical node/profile/
// device identifier grammar used at every protocol boundary:
// @@<label>(.<label>)+[/<segment>(/<segment>){0,2}].
package shinkiname

import (
	"fmt"
	"regexp"
	"strings"
)

var labelRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ShinkaiName is a parsed, validated node/profile/device/subid identifier.
// Equality and hashing are case-sensitive, matching the raw string form.
type ShinkaiName struct {
	raw      string
	nodeName string   // full dotted node identifier, e.g. "@@alice.shinkai"
	segments []string // 0-3 path segments after the node name
}

// Parse validates and decomposes a ShinkaiName string.
func Parse(s string) (ShinkaiName, error) {
	if !strings.HasPrefix(s, "@@") {
		return ShinkaiName{}, fmt.Errorf("shinkiname %q: must start with @@", s)
	}

	rest := s[2:]
	nodePart := rest
	var segPart string
	if idx := strings.Index(rest, "/"); idx >= 0 {
		nodePart = rest[:idx]
		segPart = rest[idx+1:]
	}

	labels := strings.Split(nodePart, ".")
	if len(labels) < 2 {
		return ShinkaiName{}, fmt.Errorf("shinkiname %q: missing registry suffix", s)
	}
	for _, l := range labels {
		if !labelRe.MatchString(l) {
			return ShinkaiName{}, fmt.Errorf("shinkiname %q: invalid label %q", s, l)
		}
	}

	var segments []string
	if segPart != "" {
		segments = strings.Split(segPart, "/")
		if len(segments) > 3 {
			return ShinkaiName{}, fmt.Errorf("shinkiname %q: at most 3 path segments allowed, got %d", s, len(segments))
		}
		for _, seg := range segments {
			if !labelRe.MatchString(seg) {
				return ShinkaiName{}, fmt.Errorf("shinkiname %q: invalid path segment %q", s, seg)
			}
		}
	}

	return ShinkaiName{
		raw:      s,
		nodeName: "@@" + nodePart,
		segments: segments,
	}, nil
}

// MustParse panics on invalid input; reserved for hardcoded test/constant
// names.
func MustParse(s string) ShinkaiName {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the canonical textual form.
func (n ShinkaiName) String() string { return n.raw }

// NodeName returns just the "@@<node>.<suffix>" portion, with no path
// segments.
func (n ShinkaiName) NodeName() string { return n.nodeName }

// Profile returns the first path segment (the profile name), or "" if
// this name has no profile component.
func (n ShinkaiName) Profile() string {
	if len(n.segments) < 1 {
		return ""
	}
	return n.segments[0]
}

// Kind returns the second path segment (e.g. "device", "agent"), or "".
func (n ShinkaiName) Kind() string {
	if len(n.segments) < 2 {
		return ""
	}
	return n.segments[1]
}

// SubID returns the third path segment, or "".
func (n ShinkaiName) SubID() string {
	if len(n.segments) < 3 {
		return ""
	}
	return n.segments[2]
}

// Equal reports case-sensitive equality with other.
func (n ShinkaiName) Equal(other ShinkaiName) bool { return n.raw == other.raw }

// ExtractNode returns a ShinkaiName truncated to just the node component,
// dropping any profile/kind/subid segments.
func (n ShinkaiName) ExtractNode() ShinkaiName {
	return ShinkaiName{raw: n.nodeName, nodeName: n.nodeName}
}
