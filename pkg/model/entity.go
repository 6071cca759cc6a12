package model

// EntityKind is the structural category of an entity.
type EntityKind string

// Entity kinds.
const (
	KindFile     EntityKind = "file"
	KindModule   EntityKind = "module"
	KindClass    EntityKind = "class"
	KindFunction EntityKind = "function"
)

// Fallback reasons reported on degraded extractions.
const (
	FallbackUnsupported = "unsupported-language"
	FallbackParseError  = "parse-error"
	FallbackTimeout     = "timeout"
	FallbackTooLarge    = "too-large"
)

// EntityKey is the stable identifier correlating an entity across commits.
type EntityKey string

// Span is a 1-based inclusive line range.
type Span struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Lines returns the number of lines covered by the span.
func (s Span) Lines() int {
	if s.EndLine < s.StartLine {
		return 0
	}

	return s.EndLine - s.StartLine + 1
}

// Metrics are the structural measurements taken by the extractor.
type Metrics struct {
	Lines     int `json:"lines"`
	Decisions int `json:"decisions"`
	MaxDepth  int `json:"max_depth"`
	Calls     int `json:"calls"`
	Params    int `json:"params"`
}

// Entity is a named code unit as it existed at one commit.
type Entity struct {
	Key           EntityKey  `json:"key,omitempty"`
	Path          string     `json:"path"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualified_name"`
	Kind          EntityKind `json:"kind"`
	Language      string     `json:"language,omitempty"`
	Signature     string     `json:"signature,omitempty"`

	SignatureFingerprint string `json:"signature_fingerprint,omitempty"`
	BodyFingerprint      string `json:"body_fingerprint"`
	ContentFingerprint   string `json:"content_fingerprint"`

	Span    Span    `json:"span"`
	Metrics Metrics `json:"metrics"`

	Fallback       bool   `json:"fallback,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`

	// Body is the normalized body text used for similarity scoring.
	Body string `json:"-"`
}

// Identity is the position-independent part of an entity's address:
// path, kind and qualified name.
type Identity struct {
	Path          string
	Kind          EntityKind
	QualifiedName string
}

// Identity returns the entity's address.
func (e Entity) Identity() Identity {
	return Identity{Path: e.Path, Kind: e.Kind, QualifiedName: e.QualifiedName}
}

// Size returns the size used to weight ownership contributions.
func (e Entity) Size() float64 {
	if e.Metrics.Lines > 0 {
		return float64(e.Metrics.Lines)
	}

	return float64(e.Span.Lines())
}

// Less orders entities by path, kind, qualified name and start line.
func (e Entity) Less(other Entity) bool {
	if e.Path != other.Path {
		return e.Path < other.Path
	}

	if e.Kind != other.Kind {
		return e.Kind.Rank() < other.Kind.Rank()
	}

	if e.QualifiedName != other.QualifiedName {
		return e.QualifiedName < other.QualifiedName
	}

	return e.Span.StartLine < other.Span.StartLine
}

// Rank orders kinds from the outermost (file) to the innermost (function).
func (k EntityKind) Rank() int {
	switch k {
	case KindFile:
		return 0
	case KindModule:
		return 1
	case KindClass:
		return 2 //nolint:mnd // rank order
	default:
		return 3 //nolint:mnd // rank order
	}
}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindFile, KindModule, KindClass, KindFunction:
		return true
	}

	return false
}
