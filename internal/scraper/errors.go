package scraper

import "fmt"

// ScrapeError reports a failed scraper invocation: the external process
// exited non-zero, timed out, or produced output that could not be parsed.
type ScrapeError struct {
	Stage    string // "exec" or "parse"
	ExitCode int    // -1 when the process did not run or was killed
	Stderr   string // trimmed stderr tail, for diagnostics
	Err      error
}

func (e *ScrapeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("scraper %s failed: %v (stderr: %s)", e.Stage, e.Err, e.Stderr)
	}
	return fmt.Sprintf("scraper %s failed: %v", e.Stage, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }
