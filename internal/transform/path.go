package transform

import "strings"

// segmentKind distinguishes a plain map-key hop from a wildcard array
// expansion, per the "distinct [*] segment kind" redesign note: earlier
// revisions of this pipeline treated `[*]` as just another string segment
// and string-matched it ad hoc at each hop, which is what let malformed
// paths like `contacts[*]extra` slip past validation.
type segmentKind int

const (
	segmentKey segmentKind = iota
	segmentWildcard
)

type segment struct {
	kind segmentKind
	key  string
}

// splitPath parses a dotted rule path into segments. Both the standalone
// form "contacts.[*].phone" and the fused form "contacts[*].phone" become
// [{key,"contacts"}, {wildcard,""}, {key,"phone"}] — validateWildcardPlacement
// allows "[*]" to terminate a segment either on its own or fused onto the
// preceding key, so this must split both the same way.
func splitPath(path string) []segment {
	parts := strings.Split(path, ".")
	segments := make([]segment, 0, len(parts)+1)
	for _, part := range parts {
		if part == "[*]" {
			segments = append(segments, segment{kind: segmentWildcard})
			continue
		}
		if key, ok := strings.CutSuffix(part, "[*]"); ok {
			segments = append(segments, segment{kind: segmentKey, key: key})
			segments = append(segments, segment{kind: segmentWildcard})
			continue
		}
		segments = append(segments, segment{kind: segmentKey, key: part})
	}
	return segments
}

// joinPath renders segments back into a dotted path for changedPaths
// reporting, e.g. "contacts.1.phone" for the second element of contacts.
func joinPath(parts []string) string {
	return strings.Join(parts, ".")
}
