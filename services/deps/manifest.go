package deps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestName is the requirements file looked up next to the entry point.
const ManifestName = "requirements.txt"

// manifestFailureLimit caps how many failing specifiers a summary lists.
const manifestFailureLimit = 5

// ManifestStrategy installs every specifier listed in an adjacent requirements.txt.
type ManifestStrategy struct {
	pm      PackageManager
	Timeout time.Duration
}

// NewManifestStrategy returns a ManifestStrategy using the default per-package timeout.
func NewManifestStrategy(pm PackageManager) *ManifestStrategy {
	return &ManifestStrategy{pm: pm, Timeout: DefaultInstallTimeout}
}

func (s *ManifestStrategy) Name() string { return "manifest" }

// Install implements Strategy.
func (s *ManifestStrategy) Install(ctx context.Context, entryPoint string) Report {
	path := filepath.Join(filepath.Dir(entryPoint), ManifestName)
	specs, err := readManifest(path)
	if errors.Is(err, os.ErrNotExist) {
		return Report{Skipped: true, Message: ManifestName + " not found"}
	}
	if err != nil {
		return Report{Failed: []string{ManifestName}, Message: fmt.Sprintf("Error installing requirements: %v", err)}
	}
	if len(specs) == 0 {
		return Report{Message: "No requirements found in " + ManifestName}
	}

	var report Report
	for _, spec := range specs {
		err := installWithTimeout(ctx, s.pm, spec, s.Timeout)
		switch {
		case err == nil:
			report.Installed++
		case errors.Is(err, context.DeadlineExceeded):
			report.Failed = append(report.Failed, spec+" (timeout)")
		default:
			report.Failed = append(report.Failed, spec)
		}
	}
	report.Message = summarize("packages", report.Installed, report.Failed, manifestFailureLimit)
	return report
}

func readManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var specs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		specs = append(specs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return specs, nil
}

func installWithTimeout(ctx context.Context, pm PackageManager, pkg string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return pm.Install(ctx, pkg)
}
