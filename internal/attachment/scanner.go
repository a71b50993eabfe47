package attachment

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zulandar/switchboard/internal/models"
)

// Scanner classifies stored content. An error means no verdict; the
// attachment stays pending.
type Scanner interface {
	Scan(ctx context.Context, path string) (models.ScanState, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, path string) (models.ScanState, error)

// Scan calls f(ctx, path).
func (f ScannerFunc) Scan(ctx context.Context, path string) (models.ScanState, error) {
	return f(ctx, path)
}

// ErrNoScanner is returned by Unconfigured.
var ErrNoScanner = errors.New("attachment: no scanner configured")

// Unconfigured never produces a verdict, so every upload stays pending.
var Unconfigured = ScannerFunc(func(context.Context, string) (models.ScanState, error) {
	return "", ErrNoScanner
})

// CommandScanner runs an external virus scanner through sh -c. The
// template's {{.Path}} placeholder is replaced with the quoted blob path.
// Exit status 0 is clean, 1 infected and 2 suspicious; anything else,
// including a timeout, is an error.
type CommandScanner struct {
	Command string
}

// Scan implements Scanner.
func (c CommandScanner) Scan(ctx context.Context, path string) (models.ScanState, error) {
	if c.Command == "" {
		return "", ErrNoScanner
	}
	cmdStr := strings.NewReplacer("{{.Path}}", shellQuote(path)).Replace(c.Command)
	out, err := exec.CommandContext(ctx, "sh", "-c", cmdStr).CombinedOutput()
	if err == nil {
		return models.ScanClean, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("attachment: scan %s: %w", path, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 1:
			return models.ScanInfected, nil
		case 2:
			return models.ScanSuspicious, nil
		}
	}
	return "", fmt.Errorf("attachment: scan %s: %w: %s", path, err, strings.TrimSpace(string(out)))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
