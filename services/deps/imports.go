package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"
)

// PackageAliases maps import names to the distribution that provides them
// where the two differ.
var PackageAliases = map[string]string{
	"telebot": "pyTelegramBotAPI",
	"PIL":     "Pillow",
	"cv2":     "opencv-python",
	"Crypto":  "pycryptodome",
	"bs4":     "beautifulsoup4",
}

// PackageFor returns the distribution name for an import name.
func PackageFor(module string) string {
	if pkg, ok := PackageAliases[module]; ok {
		return pkg
	}
	return module
}

// ImportStrategy installs modules imported by a Python entry point that the
// interpreter cannot already resolve.
type ImportStrategy struct {
	pm      PackageManager
	checker ModuleChecker
	Timeout time.Duration
}

// NewImportStrategy returns an ImportStrategy using the default per-package timeout.
func NewImportStrategy(pm PackageManager, checker ModuleChecker) *ImportStrategy {
	return &ImportStrategy{pm: pm, checker: checker, Timeout: DefaultInstallTimeout}
}

func (s *ImportStrategy) Name() string { return "imports" }

// Install implements Strategy.
func (s *ImportStrategy) Install(ctx context.Context, entryPoint string) Report {
	src, err := os.ReadFile(entryPoint)
	if err != nil {
		return Report{Skipped: true, Message: fmt.Sprintf("Error parsing imports: %v", err)}
	}
	modules := ScanImports(string(src))
	if len(modules) == 0 {
		return Report{Skipped: true, Message: "No imports found"}
	}

	var missing []string
	for _, module := range modules {
		if s.checker != nil && s.checker.Available(ctx, module) {
			continue
		}
		missing = append(missing, module)
	}
	if len(missing) == 0 {
		return Report{Message: "All imports available"}
	}

	var report Report
	for _, module := range missing {
		err := installWithTimeout(ctx, s.pm, PackageFor(module), s.Timeout)
		switch {
		case err == nil:
			report.Installed++
		case errors.Is(err, context.DeadlineExceeded):
			report.Failed = append(report.Failed, module+" (timeout)")
		default:
			report.Failed = append(report.Failed, module)
		}
	}
	report.Message = summarize("modules", report.Installed, report.Failed, 0)
	return report
}

// ScanImports returns the sorted, de-duplicated root module names imported by
// Python source. Both "import a.b" and absolute "from a.b import c" forms are
// recognised at any nesting depth; relative imports, comments, and string
// literals are ignored.
func ScanImports(src string) []string {
	seen := map[string]struct{}{}
	for _, line := range logicalLines(src) {
		for _, name := range importsInLine(tokenize(line)) {
			seen[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// logicalLines strips comments and string literal bodies and joins physical
// lines continued by a backslash or an open bracket.
func logicalLines(src string) []string {
	var (
		lines []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}

	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '#':
			for i+1 < len(runes) && runes[i+1] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			i = skipString(runes, i)
			cur.WriteString(`""`)
		case c == '\\' && i+1 < len(runes) && runes[i+1] == '\n':
			i++
			cur.WriteByte(' ')
		case c == '(' || c == '[' || c == '{':
			depth++
			cur.WriteRune(c)
		case c == ')' || c == ']' || c == '}':
			if depth > 0 {
				depth--
			}
			cur.WriteRune(c)
		case c == '\n':
			if depth > 0 {
				cur.WriteByte(' ')
				continue
			}
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return lines
}

// skipString returns the index of the closing quote of the literal starting at i.
func skipString(runes []rune, i int) int {
	quote := runes[i]
	triple := i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote
	if triple {
		for j := i + 3; j < len(runes); j++ {
			if runes[j] == '\\' {
				j++
				continue
			}
			if runes[j] == quote && j+2 < len(runes) && runes[j+1] == quote && runes[j+2] == quote {
				return j + 2
			}
		}
		return len(runes) - 1
	}
	for j := i + 1; j < len(runes); j++ {
		switch runes[j] {
		case '\\':
			j++
		case quote:
			return j
		case '\n':
			return j - 1
		}
	}
	return len(runes) - 1
}

func tokenize(line string) []string {
	var tokens []string
	runes := []rune(line)
	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c):
			j := i
			for j < len(runes) && (runes[j] == '_' || unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}

func statementStart(tokens []string, i int) bool {
	return i == 0 || tokens[i-1] == ":" || tokens[i-1] == ";"
}

func isIdent(tok string) bool {
	if tok == "" {
		return false
	}
	r := []rune(tok)[0]
	return r == '_' || unicode.IsLetter(r)
}

func importsInLine(tokens []string) []string {
	var names []string
	for i := 0; i < len(tokens); i++ {
		if !statementStart(tokens, i) {
			continue
		}
		switch tokens[i] {
		case "import":
			j := i + 1
			for j < len(tokens) {
				if !isIdent(tokens[j]) {
					break
				}
				names = append(names, tokens[j])
				j++
				for j+1 < len(tokens) && tokens[j] == "." && isIdent(tokens[j+1]) {
					j += 2
				}
				if j+1 < len(tokens) && tokens[j] == "as" {
					j += 2
				}
				if j < len(tokens) && tokens[j] == "," {
					j++
					continue
				}
				break
			}
			i = j - 1
		case "from":
			j := i + 1
			if j < len(tokens) && tokens[j] == "." {
				continue
			}
			if j < len(tokens) && isIdent(tokens[j]) && tokens[j] != "import" {
				root := tokens[j]
				j++
				for j+1 < len(tokens) && tokens[j] == "." && isIdent(tokens[j+1]) {
					j += 2
				}
				if j < len(tokens) && tokens[j] == "import" {
					names = append(names, root)
				}
			}
			i = j - 1
		}
	}
	return names
}
