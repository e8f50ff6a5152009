package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEntryPointNotFound is returned when no runnable file exists under a root.
var ErrEntryPointNotFound = errors.New("no main Python or JS file found")

// PriorityNames lists conventional entry point names in resolution order.
var PriorityNames = []string{
	"main.py", "bot.py", "app.py", "server.py", "index.py", "script.py",
	"main.js", "bot.js", "app.js", "server.js", "index.js", "script.js",
}

var sourceExtensions = []string{".py", ".js"}

// Resolve returns the file to execute for root. A regular file is its own
// entry point. For a directory, priority names are matched at the root first,
// then in each directory of a sorted top-down walk; failing that, the first
// .py or .js file in walk order is used.
func Resolve(root string) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", root, err)
	}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%q: %w", root, ErrEntryPointNotFound)
		}
		return root, nil
	}

	if path, ok := matchPriority(root); ok {
		return path, nil
	}

	dirs, err := walkDirs(root)
	if err != nil {
		return "", err
	}

	for _, dir := range dirs {
		if path, ok := matchPriority(dir.path); ok {
			return path, nil
		}
	}

	for _, dir := range dirs {
		for _, name := range dir.files {
			if hasSourceExtension(name) {
				return filepath.Join(dir.path, name), nil
			}
		}
	}

	return "", ErrEntryPointNotFound
}

func matchPriority(dir string) (string, bool) {
	for _, name := range PriorityNames {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

func hasSourceExtension(name string) bool {
	for _, ext := range sourceExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

type walkedDir struct {
	path  string
	files []string
}

// walkDirs lists directories top-down: a directory precedes its children and
// siblings are visited in lexical order.
func walkDirs(root string) ([]walkedDir, error) {
	var out []walkedDir

	var visit func(dir string) error
	visit = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read dir %q: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		current := walkedDir{path: dir}
		var subdirs []string
		for _, entry := range entries {
			switch {
			case entry.IsDir():
				subdirs = append(subdirs, filepath.Join(dir, entry.Name()))
			case entry.Type().IsRegular():
				current.files = append(current.files, entry.Name())
			}
		}
		out = append(out, current)

		for _, sub := range subdirs {
			if err := visit(sub); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return out, nil
}
