package session

import (
	"fmt"

	"github.com/fyrsmithlabs/agentd/internal/runner"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// QualityOutcome accumulates the quality-check results the subprocess
// reported during the current session. The orchestrator only observes these
// outcomes; the checks themselves run inside the subprocess.
type QualityOutcome struct {
	Lint    string
	Format  string
	Types   string
	Tests   string
	Browser string
}

// Record merges a quality_checks event into the outcome. Later reports
// overwrite earlier ones so the final state of each check wins.
func (q *QualityOutcome) Record(e runner.Event) {
	if e.Lint != "" {
		q.Lint = e.Lint
	}
	if e.Format != "" {
		q.Format = e.Format
	}
	if e.Types != "" {
		q.Types = e.Types
	}
	if e.Tests != "" {
		q.Tests = e.Tests
	}
	if e.Browser != "" {
		q.Browser = e.Browser
	}
}

// Verified reports whether the session may create a terminal checkpoint.
// Lint, format and type checks must have passed. The test suite must have
// passed unless skipped by mode flag. Browser verification is required to
// have not failed; a missing browser integration is never fatal.
func (q *QualityOutcome) Verified(modes workspace.ModeFlags) error {
	if q == nil {
		return fmt.Errorf("no quality-check events recorded this session")
	}

	required := map[string]string{
		"lint":   q.Lint,
		"format": q.Format,
		"types":  q.Types,
	}
	if !modes.SkipTestSuite {
		required["tests"] = q.Tests
	}
	for name, outcome := range required {
		switch outcome {
		case "pass":
		case "":
			return fmt.Errorf("quality check %s was not run", name)
		default:
			return fmt.Errorf("quality check %s reported %q", name, outcome)
		}
	}

	if !modes.SkipPuppeteer && q.Browser == "fail" {
		return fmt.Errorf("browser verification reported %q", q.Browser)
	}

	return nil
}
