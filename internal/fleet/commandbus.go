package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// CommandType enumerates the node-agent operations the command bus can
// deliver.
type CommandType string

const (
	CommandBotStart       CommandType = "bot.start"
	CommandBotStop        CommandType = "bot.stop"
	CommandBotRestart     CommandType = "bot.restart"
	CommandBotRemove      CommandType = "bot.remove"
	CommandBotImport      CommandType = "bot.import"
	CommandBotInspect     CommandType = "bot.inspect"
	CommandBackupDownload CommandType = "backup.download"
)

// Command is the envelope sent to a node agent.
type Command struct {
	ID      string                 `json:"id"`
	Type    CommandType            `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// CommandResult is the envelope a node agent must echo back, correlated by ID.
type CommandResult struct {
	ID      string      `json:"id"`
	Type    CommandType `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

var ErrNodeNotConnected = errors.New("fleet: node has no open connection")

// nodeConn is one live duplex connection to a node agent, multiplexing
// heartbeat frames inbound and command/ack frames outbound on the same
// socket.
type nodeConn struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan CommandResult
}

// CommandBus delivers typed commands to node agents over their registered
// connection and awaits the correlated ack.
type CommandBus struct {
	mu    sync.Mutex
	conns map[string]*nodeConn
}

func NewCommandBus() *CommandBus {
	return &CommandBus{conns: make(map[string]*nodeConn)}
}

// Attach registers the live websocket connection for a node, replacing any
// prior one. Call Detach when the connection closes.
func (b *CommandBus) Attach(nodeID string, ws *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[nodeID] = &nodeConn{ws: ws, pending: make(map[string]chan CommandResult)}
}

func (b *CommandBus) Detach(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, nodeID)
}

func (b *CommandBus) connFor(nodeID string) (*nodeConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[nodeID]
	if !ok {
		return nil, ErrNodeNotConnected
	}
	return c, nil
}

// Send delivers a typed command to nodeID and blocks until the ack arrives
// or ctx's deadline expires.
func (b *CommandBus) Send(ctx context.Context, nodeID string, cmdType CommandType, payload map[string]interface{}) (*CommandResult, error) {
	conn, err := b.connFor(nodeID)
	if err != nil {
		return nil, err
	}

	cmd := Command{ID: uuid.NewString(), Type: cmdType, Payload: payload}
	wait := make(chan CommandResult, 1)

	conn.mu.Lock()
	conn.pending[cmd.ID] = wait
	conn.mu.Unlock()

	defer func() {
		conn.mu.Lock()
		delete(conn.pending, cmd.ID)
		conn.mu.Unlock()
	}()

	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("fleet: marshal command: %w", err)
	}

	conn.mu.Lock()
	writeErr := conn.ws.WriteMessage(websocket.TextMessage, raw)
	conn.mu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("fleet: send command to node %s: %w", nodeID, writeErr)
	}

	select {
	case result := <-wait:
		if !result.Success {
			return &result, fmt.Errorf("fleet: command %s on node %s failed: %s", cmdType, nodeID, result.Error)
		}
		return &result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fleet: command %s on node %s: %w", cmdType, nodeID, ctx.Err())
	}
}

// DeliverResult routes an inbound ack frame (read by the connection manager's
// websocket loop) to the goroutine awaiting it, if any.
func (b *CommandBus) DeliverResult(nodeID string, result CommandResult) {
	conn, err := b.connFor(nodeID)
	if err != nil {
		return
	}
	conn.mu.Lock()
	wait, ok := conn.pending[result.ID]
	conn.mu.Unlock()
	if !ok {
		return
	}
	select {
	case wait <- result:
	default:
	}
}
