// Package deps satisfies third-party dependencies of Python entry points
// before they are started. Installation is advisory: every strategy reports
// what it did and never blocks execution.
package deps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInstallTimeout bounds a single package installation.
const DefaultInstallTimeout = 120 * time.Second

// PackageManager installs a single package specifier on the host.
type PackageManager interface {
	Install(ctx context.Context, pkg string) error
}

// ModuleChecker reports whether a module can already be imported.
type ModuleChecker interface {
	Available(ctx context.Context, module string) bool
}

// Strategy is one way of discovering and installing dependencies.
type Strategy interface {
	Name() string
	Install(ctx context.Context, entryPoint string) Report
}

// Report summarises a strategy run.
type Report struct {
	Strategy  string   `json:"strategy"`
	Skipped   bool     `json:"skipped,omitempty"`
	Installed int      `json:"installed"`
	Failed    []string `json:"failed,omitempty"`
	Message   string   `json:"message"`
}

// Success reports whether every attempted install succeeded.
func (r Report) Success() bool {
	return len(r.Failed) == 0
}

// summarize formats "Installed N <unit>, failed M: a, b" with at most limit
// names listed. A limit of zero lists all failures.
func summarize(unit string, installed int, failed []string, limit int) string {
	msg := fmt.Sprintf("Installed %d %s", installed, unit)
	if len(failed) == 0 {
		return msg
	}
	names := failed
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return msg + fmt.Sprintf(", failed %d: %s", len(failed), strings.Join(names, ", "))
}

// Installer runs a fixed list of strategies in order.
type Installer struct {
	strategies []Strategy
	logger     zerolog.Logger
	observe    func(strategy string, ok bool)
}

// Option customises an Installer.
type Option func(*Installer)

// WithLogger sets the installer's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Installer) { i.logger = logger }
}

// WithObserver registers a callback invoked once per non-skipped report.
func WithObserver(fn func(strategy string, ok bool)) Option {
	return func(i *Installer) { i.observe = fn }
}

// NewInstaller builds an Installer from strategies.
func NewInstaller(strategies []Strategy, opts ...Option) *Installer {
	inst := &Installer{strategies: strategies, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// NewDefault wires the manifest and import-scan strategies over one package manager.
func NewDefault(pm PackageManager, checker ModuleChecker, opts ...Option) *Installer {
	return NewInstaller([]Strategy{
		NewManifestStrategy(pm),
		NewImportStrategy(pm, checker),
	}, opts...)
}

// Run executes each strategy against entryPoint and collects their reports.
func (i *Installer) Run(ctx context.Context, entryPoint string) []Report {
	if i == nil {
		return nil
	}
	reports := make([]Report, 0, len(i.strategies))
	for _, s := range i.strategies {
		if err := ctx.Err(); err != nil {
			reports = append(reports, Report{Strategy: s.Name(), Skipped: true, Message: err.Error()})
			continue
		}
		report := s.Install(ctx, entryPoint)
		report.Strategy = s.Name()

		event := i.logger.Info()
		if !report.Success() {
			event = i.logger.Warn()
		}
		event.Str("strategy", report.Strategy).
			Str("entry", entryPoint).
			Bool("skipped", report.Skipped).
			Msg(report.Message)

		if i.observe != nil && !report.Skipped {
			i.observe(report.Strategy, report.Success())
		}
		reports = append(reports, report)
	}
	return reports
}
