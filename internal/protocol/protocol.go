// Package protocol defines the client/daemon wire format.
//
// The transport is a local stream socket. Each message is a uint32
// big-endian length followed by a UTF-8 JSON body. Requests carry {op,
// args}; responses carry {ok, value | error}. The subscribe op switches the
// connection into a push stream of events until disconnection.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// MaxFrameSize bounds a single message. Checkpoint contexts carry full
// issue lists, so the cap is generous.
const MaxFrameSize = 8 << 20 // 8 MiB

// Ops accepted by the daemon.
const (
	OpPing              = "ping"
	OpList              = "list"
	OpRegister          = "register"
	OpStart             = "start"
	OpStop              = "stop"
	OpStatus            = "status"
	OpRemove            = "remove"
	OpResolveCheckpoint = "resolve_checkpoint"
	OpSubscribe         = "subscribe"
	OpShutdown          = "shutdown"
)

// Event names pushed to subscribers.
const (
	EventStatus             = "status"
	EventCheckpointPending  = "checkpoint_pending"
	EventCheckpointResolved = "checkpoint_resolved"
	EventAgentExited        = "agent_exited"
)

// Request is one client command.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers one request.
type Response struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Event is one push-stream message.
type Event struct {
	Event   string         `json:"event"`
	AgentID int64          `json:"agent_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// StartArgs starts a new agent, or restarts an existing one when AgentID is
// set.
type StartArgs struct {
	AgentID int64 `json:"agent_id,omitempty"`

	ProjectDir    string              `json:"project_dir,omitempty"`
	SpecFile      string              `json:"spec_file,omitempty"`
	TargetBranch  string              `json:"target_branch,omitempty"`
	AutoAccept    bool                `json:"auto_accept,omitempty"`
	Modes         workspace.ModeFlags `json:"modes,omitempty"`
	MaxIterations int                 `json:"max_iterations,omitempty"`
}

// AgentIDArgs addresses one agent.
type AgentIDArgs struct {
	AgentID int64 `json:"agent_id"`
}

// SubscribeArgs optionally narrows the stream to one agent.
type SubscribeArgs struct {
	AgentID *int64 `json:"agent_id,omitempty"`
}

// ResolveArgs resolves a pending checkpoint in an agent's workspace.
type ResolveArgs struct {
	AgentID       int64          `json:"agent_id"`
	CheckpointID  string         `json:"checkpoint_id"`
	Verdict       string         `json:"verdict"`
	Decision      string         `json:"decision,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

// WriteFrame writes one length-prefixed JSON message.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("protocol: message too large: %d bytes", len(body))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: failed to write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("protocol: failed to write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON message into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("protocol: frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("protocol: failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("protocol: invalid JSON body: %w", err)
	}
	return nil
}

// OKResponse builds a success response around value.
func OKResponse(value any) (*Response, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal response value: %w", err)
	}
	return &Response{OK: true, Value: body}, nil
}

// ErrorResponse builds a failure response.
func ErrorResponse(err error) *Response {
	return &Response{OK: false, Error: err.Error()}
}
