package artifacts

import (
	"path/filepath"
	"strings"
)

// Kind classifies an uploaded artifact or a resolved entry point.
type Kind string

const (
	KindPython     Kind = "python"
	KindJavaScript Kind = "javascript"
	KindZip        Kind = "zip"
	KindArchive    Kind = "archive"
	KindUnknown    Kind = "unknown"
)

// InferKind maps a file name to its Kind by suffix.
func InferKind(name string) Kind {
	lower := strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	switch {
	case lower == "" || lower == ".":
		return KindUnknown
	case strings.HasSuffix(lower, ".py"):
		return KindPython
	case strings.HasSuffix(lower, ".js"):
		return KindJavaScript
	case strings.HasSuffix(lower, ".zip"):
		return KindZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar"):
		return KindArchive
	default:
		return KindUnknown
	}
}

// IsArchive reports whether the kind needs extraction before it can run.
func (k Kind) IsArchive() bool {
	return k == KindZip || k == KindArchive
}

// IsSource reports whether the kind maps directly to an interpreter.
func (k Kind) IsSource() bool {
	return k == KindPython || k == KindJavaScript
}

func (k Kind) String() string { return string(k) }
