// Package daemon hosts the agent registry and the client protocol.
//
// The daemon multiplexes agents: it spawns one session-runner child process
// per running agent, supervises it, persists every registry change
// atomically, and serves client commands on a local socket. A client can
// disconnect at any time; on reconnect it sees the same agents. On daemon
// restart the registry is reloaded and agents whose processes are gone are
// moved to a terminal status.
package daemon

import (
	"time"

	"github.com/fyrsmithlabs/agentd/internal/session"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// AgentStatus is the daemon-visible state of one agent.
type AgentStatus string

const (
	StatusIdle              AgentStatus = "idle"
	StatusRunning           AgentStatus = "running"
	StatusWaitingCheckpoint AgentStatus = "waiting_checkpoint"
	StatusStopped           AgentStatus = "stopped"
	StatusFailed            AgentStatus = "failed"
)

// AgentRecord is the daemon-owned record of one agent.
type AgentRecord struct {
	AgentID int64 `json:"agent_id"`

	SpecSlug   string `json:"spec_slug"`
	SpecHash   string `json:"spec_hash"`
	ProjectDir string `json:"project_dir"`
	SpecFile   string `json:"spec_file,omitempty"`

	FeatureBranch string              `json:"feature_branch"`
	TargetBranch  string              `json:"target_branch"`
	AutoAccept    bool                `json:"auto_accept"`
	Modes         workspace.ModeFlags `json:"mode_flags"`
	MaxIterations int                 `json:"max_iterations,omitempty"`

	LogPath string `json:"log_path,omitempty"`
	PID     int    `json:"pid,omitempty"`

	Status AgentStatus   `json:"status"`
	Phase  session.Phase `json:"phase"`

	// Diagnostic holds the log tail recorded when the agent failed.
	Diagnostic string `json:"diagnostic,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	LastEventAt time.Time  `json:"last_event_at"`
}

// Running reports whether the daemon currently supervises a process for
// this agent.
func (r *AgentRecord) Running() bool {
	return r.Status == StatusRunning
}

// Clone returns a copy safe to hand outside the registry lock.
func (r *AgentRecord) Clone() *AgentRecord {
	out := *r
	return &out
}
