// Package scanner wraps external SAST tools and turns their native output into
// canonical findings.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/config"
)

// Scanner is one external tool. Adding a tool only requires a new implementation.
type Scanner interface {
	// Name is the tool identifier stamped on every finding.
	Name() string
	// Invoke runs the tool against the repository and returns its raw report.
	// It must not modify the repository.
	Invoke(ctx context.Context, repoPath string) ([]byte, error)
	// Parse converts a raw report into findings with repository-relative paths.
	Parse(raw []byte, repoPath string) ([]schemas.Finding, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Run invokes s, parses its report, and drops records that lack the fields a
// finding needs. Execution failures surface as *ScannerExecutionError or
// *ScannerTimeoutError, parse failures as *ScannerOutputError.
func Run(ctx context.Context, logger *zap.Logger, s Scanner, repoPath string) ([]schemas.Finding, error) {
	raw, err := s.Invoke(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	parsed, err := s.Parse(raw, repoPath)
	if err != nil {
		var outErr *ScannerOutputError
		if errors.As(err, &outErr) {
			return nil, err
		}
		return nil, &ScannerOutputError{Tool: s.Name(), Err: err}
	}

	findings := parsed[:0]
	for _, f := range parsed {
		if err := validate.Struct(f); err != nil {
			logger.Warn("Discarding malformed finding",
				zap.String("tool", s.Name()),
				zap.String("rule_id", f.RuleID),
				zap.String("path", f.Path),
				zap.Error(err))
			continue
		}
		findings = append(findings, f)
	}
	logger.Info("Scanner produced findings", zap.String("tool", s.Name()), zap.Int("count", len(findings)))
	return findings, nil
}

// Factory builds a scanner from the scanner configuration.
type Factory func(cfg config.ScannersConfig, logger *zap.Logger) Scanner

// Registry maps tool names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(BanditName, func(cfg config.ScannersConfig, l *zap.Logger) Scanner { return NewBandit(cfg.Bandit, l) })
	r.Register(SemgrepName, func(cfg config.ScannersConfig, l *zap.Logger) Scanner { return NewSemgrep(cfg.Semgrep, l) })
	r.Register(GitleaksName, func(cfg config.ScannersConfig, l *zap.Logger) Scanner { return NewGitleaks(cfg.Gitleaks, l) })
	r.Register(SARIFName, func(cfg config.ScannersConfig, l *zap.Logger) Scanner { return NewSARIF(cfg.SARIF, l) })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named scanners in order.
func (r *Registry) Build(names []string, cfg config.ScannersConfig, logger *zap.Logger) ([]Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scanner, 0, len(names))
	for _, n := range names {
		f, ok := r.factories[n]
		if !ok {
			return nil, fmt.Errorf("unknown scanner %q", n)
		}
		out = append(out, f(cfg, logger))
	}
	return out, nil
}
