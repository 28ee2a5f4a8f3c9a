// Command nodeagent is the worker-side agent. It registers with the
// control plane over HTTP, then holds one long-lived websocket connection
// that carries heartbeat frames outbound and command/ack frames in both
// directions, dispatching every inbound command against the local Docker
// daemon.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/wopr-network/wopr-platform-sub005/internal/config"
	"github.com/wopr-network/wopr-platform-sub005/internal/fleet"
)

var logger = log.New(os.Stderr, "[NodeAgent] ", log.LstdFlags)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()
	nodeCfg := cfg.NodeAgent
	if nodeCfg.NodeID == "" {
		logger.Fatal("NODE_ID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Printf("shutting down")
		cancel()
	}()

	runtime := NewDockerRuntime(nodeCfg.DockerRuntime, "./data/backups/"+nodeCfg.NodeID)
	agent := &nodeAgent{cfg: nodeCfg, runtime: runtime}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := agent.connectAndServe(ctx); err != nil {
			logger.Printf("connection ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

type nodeAgent struct {
	cfg     config.NodeAgentConfig
	runtime *DockerRuntime
}

// safeConn serialises writes to the shared websocket connection: the
// heartbeat loop and concurrently-dispatched command replies would
// otherwise race on gorilla/websocket's single-writer-at-a-time contract.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// connectAndServe registers with the control plane, opens the duplex
// websocket, and runs the heartbeat loop and command read loop until the
// connection drops or ctx is cancelled. A dropped connection is recoverable
// by the outer retry loop in main: re-registering transitions a previously
// offline/recovering/failed node to "returning".
func (a *nodeAgent) connectAndServe(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	wsURL, err := wsURLFor(a.cfg.ControlPlaneURL, a.cfg.NodeID)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial node websocket: %w", err)
	}
	defer conn.Close()

	logger.Printf("connected to %s as node %s", a.cfg.ControlPlaneURL, a.cfg.NodeID)

	sc := &safeConn{conn: conn}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.heartbeatLoop(ctx, sc)
	}()

	readErr := a.readLoop(ctx, conn, sc)
	<-done
	return readErr
}

func (a *nodeAgent) register(ctx context.Context) error {
	body, _ := json.Marshal(map[string]interface{}{
		"host":         a.cfg.Host,
		"capacityMB":   a.cfg.CapacityMB,
		"agentVersion": a.cfg.AgentVersion,
	})
	endpoint := strings.TrimRight(a.cfg.ControlPlaneURL, "/") + "/v1/nodes/" + a.cfg.NodeID + "/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register returned status %d", resp.StatusCode)
	}
	return nil
}

func wsURLFor(controlPlaneURL, nodeID string) (string, error) {
	u, err := url.Parse(controlPlaneURL)
	if err != nil {
		return "", fmt.Errorf("parse control plane url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/nodes/" + nodeID + "/ws"
	return u.String(), nil
}

// heartbeatFrame mirrors the control plane's inbound shape exactly: a type
// discriminator plus the `[{name, memory_mb}, …]` container inventory, used
// both to refresh last_heartbeat_at and, while the node is "returning", to
// seed the orphan cleaner's cross-reference.
type heartbeatFrame struct {
	Type       string                     `json:"type"`
	Containers []fleet.HeartbeatContainer `json:"containers"`
}

func (a *nodeAgent) heartbeatLoop(ctx context.Context, sc *safeConn) {
	interval := time.Duration(a.cfg.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			containers, err := a.runtime.ListRunning(ctx)
			if err != nil {
				logger.Printf("list running containers: %v", err)
				containers = nil
			}
			frame := heartbeatFrame{Type: "heartbeat", Containers: containers}
			if err := sc.writeJSON(frame); err != nil {
				logger.Printf("send heartbeat: %v", err)
				return
			}
		}
	}
}

// readLoop consumes inbound command envelopes and replies on the same
// socket with the matching CommandResult, echoing the command's id so
// the control plane's CommandBus.Send can correlate the ack. conn is read
// from directly (gorilla/websocket allows one concurrent reader); replies
// go through sc so they never race the heartbeat loop's writes.
func (a *nodeAgent) readLoop(ctx context.Context, conn *websocket.Conn, sc *safeConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var cmd fleet.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			logger.Printf("malformed command frame: %v", err)
			continue
		}
		if cmd.ID == "" || cmd.Type == "" {
			continue
		}

		go func(cmd fleet.Command) {
			cmdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			result := a.runtime.Dispatch(cmdCtx, cmd)
			if err := sc.writeJSON(result); err != nil {
				logger.Printf("write result for command %s: %v", cmd.ID, err)
			}
		}(cmd)
	}
}
