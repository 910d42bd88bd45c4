package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Local process relay
// ---------------------------------------------------------------------------

// ProcessRequest runs one AI command-line tool invocation.
type ProcessRequest struct {
	Command  string
	Args     []string
	Stdin    []byte
	Env      map[string]string
	ProxyURL string
	Timeout  time.Duration
}

// ProcessResult mirrors an HTTP status so callers treat both transports alike:
// 200 on success, 429 when the tool reports a quota error, 504 on timeout
// and 502 for any other failure exit.
type ProcessResult struct {
	Status int
	Output []byte
	Stderr string
}

// Runner executes process requests.
type Runner struct {
	logger *zap.Logger
}

// NewRunner returns a process runner. A nil logger disables logging.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

var rateLimitMarkers = []string{"429", "RESOURCE_EXHAUSTED", "rate limit", "Rate limit", "quota"}

// Run starts the command and waits for it. The child is killed when the
// timeout expires or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return ProcessResult{}, fmt.Errorf("relay: command is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := tracer.Start(ctx, "relay.process")
	defer span.End()
	span.SetAttributes(attribute.String("process.command", req.Command))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = processEnv(req)
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := ProcessResult{Output: stdout.Bytes(), Stderr: strings.TrimSpace(stderr.String())}

	switch {
	case err == nil:
		result.Status = 200
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = 504
		span.SetStatus(codes.Error, "timeout")
		return result, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, req.Command)
	case ctx.Err() != nil:
		return result, ctx.Err()
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("%w: starting %s: %v", ErrTransport, req.Command, err)
		}
		result.Status = 502
		for _, marker := range rateLimitMarkers {
			if strings.Contains(result.Stderr, marker) {
				result.Status = 429
				break
			}
		}
	}

	span.SetAttributes(attribute.Int("process.status", result.Status))
	r.logger.Debug("process call",
		zap.String("command", req.Command),
		zap.Int("status", result.Status),
		zap.Int("bytes", len(result.Output)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func processEnv(req ProcessRequest) []string {
	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	if req.ProxyURL != "" {
		env = append(env,
			"HTTPS_PROXY="+req.ProxyURL, "https_proxy="+req.ProxyURL,
			"HTTP_PROXY="+req.ProxyURL, "http_proxy="+req.ProxyURL,
		)
	}
	return env
}
