// Package client talks to the agentd daemon over its Unix socket.
//
// An ephemeral UI or CLI connects, issues commands, and may switch a
// connection into a subscribe stream. The daemon survives client
// disconnects; reconnecting clients see the same agents.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/daemon"
	"github.com/fyrsmithlabs/agentd/internal/protocol"
)

// ErrDaemonNotRunning indicates the daemon socket is absent or dead.
var ErrDaemonNotRunning = errors.New("client: daemon is not running")

// Client is a connection to the daemon.
type Client struct {
	conn net.Conn
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, fmt.Errorf("%w: socket not found at %s", ErrDaemonNotRunning, socketPath)
	}
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request and decodes the response value into out.
func (c *Client) roundTrip(op string, args any, out any) error {
	req := protocol.Request{Op: op}
	if args != nil {
		body, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("client: failed to marshal args: %w", err)
		}
		req.Args = body
	}

	if err := protocol.WriteFrame(c.conn, req); err != nil {
		return fmt.Errorf("client: send failed: %w", err)
	}

	var resp protocol.Response
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		return fmt.Errorf("client: read failed: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("client: %s", resp.Error)
	}
	if out != nil && len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, out); err != nil {
			return fmt.Errorf("client: failed to decode response: %w", err)
		}
	}
	return nil
}

// Ping reports whether the daemon answers.
func (c *Client) Ping() error {
	return c.roundTrip(protocol.OpPing, nil, nil)
}

// List returns all agent records.
func (c *Client) List() ([]*daemon.AgentRecord, error) {
	var records []*daemon.AgentRecord
	if err := c.roundTrip(protocol.OpList, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Start launches a new agent (or restarts one by id).
func (c *Client) Start(args protocol.StartArgs) (*daemon.AgentRecord, error) {
	var record daemon.AgentRecord
	if err := c.roundTrip(protocol.OpStart, args, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Register creates an agent record without starting it.
func (c *Client) Register(args protocol.StartArgs) (*daemon.AgentRecord, error) {
	var record daemon.AgentRecord
	if err := c.roundTrip(protocol.OpRegister, args, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Status returns one agent record.
func (c *Client) Status(agentID int64) (*daemon.AgentRecord, error) {
	var record daemon.AgentRecord
	if err := c.roundTrip(protocol.OpStatus, protocol.AgentIDArgs{AgentID: agentID}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Stop gracefully terminates an agent.
func (c *Client) Stop(agentID int64) (*daemon.AgentRecord, error) {
	var record daemon.AgentRecord
	if err := c.roundTrip(protocol.OpStop, protocol.AgentIDArgs{AgentID: agentID}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Remove deletes a stopped agent's record.
func (c *Client) Remove(agentID int64) error {
	return c.roundTrip(protocol.OpRemove, protocol.AgentIDArgs{AgentID: agentID}, nil)
}

// ResolveCheckpoint posts a verdict on a pending checkpoint.
func (c *Client) ResolveCheckpoint(args protocol.ResolveArgs) (*checkpoint.Checkpoint, error) {
	var resolved checkpoint.Checkpoint
	if err := c.roundTrip(protocol.OpResolveCheckpoint, args, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown() error {
	return c.roundTrip(protocol.OpShutdown, nil, nil)
}

// Subscribe switches the connection into a push stream and invokes fn for
// every event until the context ends or the daemon closes the stream. The
// connection cannot be reused afterwards.
func (c *Client) Subscribe(ctx context.Context, agentID *int64, fn func(protocol.Event)) error {
	req := protocol.Request{Op: protocol.OpSubscribe}
	body, err := json.Marshal(protocol.SubscribeArgs{AgentID: agentID})
	if err != nil {
		return fmt.Errorf("client: failed to marshal args: %w", err)
	}
	req.Args = body

	if err := protocol.WriteFrame(c.conn, req); err != nil {
		return fmt.Errorf("client: send failed: %w", err)
	}

	var resp protocol.Response
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		return fmt.Errorf("client: read failed: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("client: %s", resp.Error)
	}

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		var event protocol.Event
		if err := protocol.ReadFrame(c.conn, &event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return nil
		}
		fn(event)
	}
}
