package deps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const probeTimeout = 10 * time.Second

const findSpecProbe = "import importlib.util, sys; sys.exit(0 if importlib.util.find_spec(sys.argv[1]) else 1)"

// Pip installs packages with "python -m pip install" and checks modules with
// importlib against the same interpreter.
type Pip struct {
	Python string
}

// Install implements PackageManager. The returned error carries pip's stderr
// as its diagnostic and wraps context.DeadlineExceeded on timeout.
func (p Pip) Install(ctx context.Context, pkg string) error {
	pkg = strings.TrimSpace(pkg)
	if pkg == "" {
		return errors.New("empty package specifier")
	}

	cmd := exec.CommandContext(ctx, p.python(), "-m", "pip", "install", pkg)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("pip install %s: %w", pkg, ctxErr)
		}
		diag := strings.TrimSpace(stderr.String())
		if len(diag) > 512 {
			diag = diag[len(diag)-512:]
		}
		return fmt.Errorf("pip install %s: %w: %s", pkg, err, diag)
	}
	return nil
}

// Available implements ModuleChecker.
func (p Pip) Available(ctx context.Context, module string) bool {
	if strings.TrimSpace(module) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.python(), "-c", findSpecProbe, module)
	return cmd.Run() == nil
}

func (p Pip) python() string {
	if p.Python == "" {
		return "python3"
	}
	return p.Python
}
