package scraper

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	logx "pbots/pkg/logx"
)

// Spec is a resolved scraper invocation: argv plus an execution bound.
// Command lines from config are shell-split at load time (see config).
type Spec struct {
	Argv      []string
	Timeout   time.Duration
	Transform Transform
}

const (
	defaultTimeout = 5 * time.Minute
	stderrTailMax  = 2048
)

// Runner invokes external scraper processes and parses their output.
type Runner struct {
	log logx.Logger
}

func NewRunner(log logx.Logger) *Runner {
	return &Runner{log: log}
}

// Run executes the scraper synchronously and returns its parsed records,
// with the source's transform (if any) already applied.
//
// The external process is always bounded: a spec without a timeout gets a
// default, since a hung scraper would otherwise stall its source forever.
func (r *Runner) Run(ctx context.Context, spec Spec) ([]Record, error) {
	if len(spec.Argv) == 0 {
		return nil, &ScrapeError{Stage: "exec", ExitCode: -1, Err: errors.New("empty scraper command")}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	dur := time.Since(start)

	if err != nil {
		if runCtx.Err() != nil {
			err = runCtx.Err()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.log.Warn("scraper process failed",
			logx.String("command", spec.Argv[0]),
			logx.Int("exit_code", exitCode),
			logx.Duration("dur", dur),
			logx.Err(err))
		return nil, &ScrapeError{Stage: "exec", ExitCode: exitCode, Stderr: stderrTail(stderr.Bytes()), Err: err}
	}

	records, err := ParseRecords(stdout.Bytes())
	if err != nil {
		r.log.Warn("scraper output unparsable",
			logx.String("command", spec.Argv[0]),
			logx.Int("stdout_bytes", stdout.Len()),
			logx.Err(err))
		return nil, &ScrapeError{Stage: "parse", ExitCode: 0, Stderr: stderrTail(stderr.Bytes()), Err: err}
	}

	if spec.Transform != nil {
		for i := range records {
			records[i] = spec.Transform(records[i])
		}
	}

	r.log.Debug("scraper run complete",
		logx.String("command", spec.Argv[0]),
		logx.Int("records", len(records)),
		logx.Duration("dur", dur))
	return records, nil
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailMax {
		s = s[len(s)-stderrTailMax:]
	}
	return s
}
