package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a scanner invocation when none is configured.
const DefaultTimeout = 5 * time.Minute

// maxStderr caps how much stderr is kept on an execution error.
const maxStderr = 4096

// invocation describes one external tool process.
type invocation struct {
	Tool    string
	Binary  string
	Args    []string
	Dir     string
	Timeout time.Duration
	// OKCodes lists exit codes that mean the tool ran; any other is an execution error.
	OKCodes []int
	// OutputFile, when set, is read instead of stdout once the tool exits.
	OutputFile string
}

// newOutputFile reserves a report path outside the repository so the scanned
// tree is never written to.
func newOutputFile(tool string) (string, func(), error) {
	f, err := os.CreateTemp("", "patchwright-"+tool+"-*.out")
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to create %s report file: %w", tool, err)
	}
	name := f.Name()
	_ = f.Close()
	return name, func() { _ = os.Remove(name) }, nil
}

// execute runs the invocation and returns the raw report. Cancelling ctx
// kills the process.
func execute(ctx context.Context, logger *zap.Logger, inv invocation) ([]byte, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Invoking scanner",
		zap.String("tool", inv.Tool),
		zap.String("binary", inv.Binary),
		zap.String("args", strings.Join(inv.Args, " ")),
		zap.Duration("timeout", timeout))
	start := time.Now()
	runErr := cmd.Run()

	// The parent context wins over the local timeout: a cancelled run is not a timeout.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("scanner %s cancelled: %w", inv.Tool, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &ScannerTimeoutError{Tool: inv.Tool, Timeout: timeout}
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &ScannerExecutionError{Tool: inv.Tool, ExitCode: -1, Err: runErr}
		}
		exitCode = exitErr.ExitCode()
	}
	if !acceptable(exitCode, inv.OKCodes) {
		return nil, &ScannerExecutionError{
			Tool:     inv.Tool,
			ExitCode: exitCode,
			Stderr:   truncate(strings.TrimSpace(stderr.String()), maxStderr),
			Err:      runErr,
		}
	}
	logger.Debug("Scanner finished",
		zap.String("tool", inv.Tool),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", time.Since(start)))

	if inv.OutputFile == "" {
		return stdout.Bytes(), nil
	}
	data, err := os.ReadFile(inv.OutputFile)
	if err != nil {
		return nil, &ScannerOutputError{Tool: inv.Tool, Err: fmt.Errorf("reading report: %w", err)}
	}
	return data, nil
}

func acceptable(code int, ok []int) bool {
	if len(ok) == 0 {
		return code == 0
	}
	for _, c := range ok {
		if c == code {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
