// Package host integrates agentd with the issue/MR host.
//
// The core consumes an abstract contract: milestones, issues, notes,
// branches, pushes and merge requests. Two backends implement it: a GitHub
// backend over the REST API, and a file-only backend that keeps issue
// tracking in local JSON files and runs git operations against the local
// repository.
//
// Transient errors (timeouts, 429, 5xx) are retried with exponential
// backoff, at most three attempts per call. Auth failures and not-found are
// never retried. Push operations enforce the session file whitelist: a file
// that the current session did not touch is never pushed.
package host
