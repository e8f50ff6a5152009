package supervisor

import (
	"fmt"
	"path/filepath"

	"scripthost/services/artifacts"
)

// Interpreters maps a source kind to the argv prefix that runs it. The entry
// point path is appended as the final argument.
type Interpreters map[artifacts.Kind][]string

// DefaultInterpreters runs python with pythonBin and javascript with nodeBin.
func DefaultInterpreters(pythonBin, nodeBin string) Interpreters {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if nodeBin == "" {
		nodeBin = "node"
	}
	return Interpreters{
		artifacts.KindPython:     {pythonBin},
		artifacts.KindJavaScript: {nodeBin},
	}
}

// Command returns the argv for entry.
func (m Interpreters) Command(kind artifacts.Kind, entry string) ([]string, error) {
	prefix, ok := m[kind]
	if !ok || len(prefix) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, filepath.Ext(entry))
	}
	argv := make([]string, 0, len(prefix)+1)
	argv = append(argv, prefix...)
	return append(argv, entry), nil
}
