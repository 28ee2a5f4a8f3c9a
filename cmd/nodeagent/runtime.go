package main

// DockerRuntime is the concrete, swappable container-runtime side of the
// command bus: it executes the seven bot operations (start, stop, restart,
// remove, import, inspect, backup download) against the local Docker
// daemon, one short-lived client per call.
import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/wopr-network/wopr-platform-sub005/internal/fleet"
)

// DockerRuntime executes bot commands against the local Docker daemon.
// Containers are named after the bot id so Inspect/Stop/Remove never need a
// separate id-to-container lookup table.
type DockerRuntime struct {
	runtime   string // e.g. "runsc" for gVisor, "" for the default runtime
	backupDir string
}

func NewDockerRuntime(runtime, backupDir string) *DockerRuntime {
	return &DockerRuntime{runtime: runtime, backupDir: backupDir}
}

func (d *DockerRuntime) client() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

func containerName(botID string) string {
	return "wopr-bot-" + botID
}

// ListRunning returns one entry per bot container this agent currently
// knows about, for the heartbeat frame's container inventory. MemoryMB is
// each container's configured memory limit (HostConfig.Memory, the same
// limit importBot sets at create time) converted from bytes to MiB.
func (d *DockerRuntime) ListRunning(ctx context.Context) ([]fleet.HeartbeatContainer, error) {
	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]fleet.HeartbeatContainer, 0, len(containers))
	for _, c := range containers {
		for _, n := range c.Names {
			trimmed := strings.TrimPrefix(n, "/")
			if !strings.HasPrefix(trimmed, "wopr-bot-") {
				continue
			}
			name := strings.TrimPrefix(trimmed, "wopr-bot-")

			var memoryMB int64
			if info, err := cli.ContainerInspect(ctx, c.ID); err == nil && info.HostConfig != nil {
				memoryMB = info.HostConfig.Memory / (1024 * 1024)
			}
			out = append(out, fleet.HeartbeatContainer{Name: name, MemoryMB: memoryMB})
		}
	}
	return out, nil
}

// Dispatch executes one command-bus command and returns the ack envelope
// the connection manager's read loop is waiting on.
func (d *DockerRuntime) Dispatch(ctx context.Context, cmd fleet.Command) fleet.CommandResult {
	result := fleet.CommandResult{ID: cmd.ID, Type: cmd.Type}

	var data interface{}
	var err error
	switch cmd.Type {
	case fleet.CommandBotStart:
		err = d.start(ctx, stringPayload(cmd.Payload, "botId"))
	case fleet.CommandBotStop:
		err = d.stop(ctx, commandTargetName(cmd.Payload))
	case fleet.CommandBotRestart:
		err = d.restart(ctx, stringPayload(cmd.Payload, "botId"))
	case fleet.CommandBotRemove:
		err = d.remove(ctx, stringPayload(cmd.Payload, "botId"))
	case fleet.CommandBotImport:
		err = d.importBot(ctx, cmd.Payload)
	case fleet.CommandBotInspect:
		data, err = d.inspect(ctx, stringPayload(cmd.Payload, "botId"))
	case fleet.CommandBackupDownload:
		data, err = d.backupDownload(ctx, stringPayload(cmd.Payload, "botId"))
	default:
		err = fmt.Errorf("nodeagent: unknown command type %q", cmd.Type)
	}

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Data = data
	return result
}

// commandTargetName resolves either a bot id (the common case) or the
// orphan cleaner's "containerName" payload into the name
// Docker actually knows the container by. Both payload shapes carry the
// bare bot id — ListRunning strips the "wopr-bot-" prefix before handing
// names to the orphan cleaner (runtime.go's ListRunning), so this must
// re-apply containerName() in both branches rather than only the botId one.
func commandTargetName(payload map[string]interface{}) string {
	if botID := stringPayload(payload, "botId"); botID != "" {
		return containerName(botID)
	}
	if name, ok := payload["containerName"].(string); ok {
		return containerName(name)
	}
	return ""
}

func stringPayload(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func (d *DockerRuntime) start(ctx context.Context, botID string) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.ContainerStart(ctx, containerName(botID), types.ContainerStartOptions{})
}

func (d *DockerRuntime) stop(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("nodeagent: stop requires a bot id or container name")
	}
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	timeout := 10
	return cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
}

func (d *DockerRuntime) restart(ctx context.Context, botID string) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	timeout := 10
	return cli.ContainerRestart(ctx, containerName(botID), container.StopOptions{Timeout: &timeout})
}

func (d *DockerRuntime) remove(ctx context.Context, botID string) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.ContainerRemove(ctx, containerName(botID), types.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
}

// importBot pulls the new image and creates the container from it under the
// bot's fixed container name — the node-side half of both recovery's
// "commandBus.send(target, bot.import)" and the updater's
// remove-then-import recreate. No volumes or bind mounts are attached to the
// new container, so data in a previous container's volumes is not carried
// over.
func (d *DockerRuntime) importBot(ctx context.Context, payload map[string]interface{}) error {
	botID := stringPayload(payload, "botId")
	image := stringPayload(payload, "image")
	if botID == "" || image == "" {
		return fmt.Errorf("nodeagent: bot.import requires botId and image")
	}
	env := map[string]string{}
	if raw, ok := payload["env"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}

	cli, err := d.client()
	if err != nil {
		return err
	}
	defer cli.Close()

	pullReader, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	_, _ = io.Copy(io.Discard, pullReader)
	pullReader.Close()

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	hostConfig := &container.HostConfig{
		NetworkMode: "bridge",
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   1024 * 1024 * 1024,
		},
	}
	if d.runtime != "" {
		hostConfig.Runtime = d.runtime
	}

	name := containerName(botID)
	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   envList,
	}, hostConfig, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create container for bot %s: %w", botID, err)
	}
	_ = resp.ID
	return nil
}

// inspectResult is the data payload shape the control plane's adapters
// expect back from a bot.inspect command: {repoDigest, running, health}.
type inspectResult struct {
	RepoDigest string `json:"repoDigest"`
	Running    bool   `json:"running"`
	Health     string `json:"health"`
}

func (d *DockerRuntime) inspect(ctx context.Context, botID string) (*inspectResult, error) {
	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, containerName(botID))
	if err != nil {
		return nil, fmt.Errorf("inspect bot %s: %w", botID, err)
	}

	out := &inspectResult{Running: info.State != nil && info.State.Running}
	if len(info.Image) > 0 {
		out.RepoDigest = repoDigestFromImage(info.Image)
	}
	if imgInfo, _, err := cli.ImageInspectWithRaw(ctx, info.Image); err == nil && len(imgInfo.RepoDigests) > 0 {
		out.RepoDigest = digestSuffix(imgInfo.RepoDigests[0])
	}
	if info.State != nil && info.State.Health != nil {
		out.Health = info.State.Health.Status
	} else {
		out.Health = "none"
	}
	return out, nil
}

// digestSuffix extracts the "sha256:..." portion of a RepoDigest string
// ("owner/repo@sha256:...").
func digestSuffix(repoDigest string) string {
	if idx := strings.LastIndex(repoDigest, "@"); idx >= 0 {
		return repoDigest[idx+1:]
	}
	return repoDigest
}

// repoDigestFromImage falls back to the image id itself (content-addressed)
// when the daemon has no pull-time RepoDigest recorded, e.g. for a locally
// built image.
func repoDigestFromImage(imageID string) string {
	return imageID
}

// backupDownload tars the container's /data directory out of the container and
// stores it under the agent's local backup directory, returning the path so
// the control plane can schedule a transfer to the replacement node during
// recovery.
func (d *DockerRuntime) backupDownload(ctx context.Context, botID string) (map[string]interface{}, error) {
	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	reader, _, err := cli.CopyFromContainer(ctx, containerName(botID), "/data")
	if err != nil {
		return nil, fmt.Errorf("backup bot %s: %w", botID, err)
	}
	defer reader.Close()

	if d.backupDir == "" {
		d.backupDir = os.TempDir()
	}
	if err := os.MkdirAll(d.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	path := filepath.Join(d.backupDir, botID+".tar")

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("read backup stream for bot %s: %w", botID, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write backup for bot %s: %w", botID, err)
	}

	return map[string]interface{}{"backupKey": path}, nil
}
