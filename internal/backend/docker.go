package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/anikeev/wagate/internal/domain"
)

const (
	credentialMountPath = "/data"
	controlPort         = 3000
	stopTimeoutSecs     = 10

	// Resource limits for the runtime (headless browser inside).
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	runtimeNetwork = "wagate-net"
	runtimeSubnet  = "172.29.0.0/16"

	// RuntimeGateway is the bridge gateway address, the host as seen
	// from inside a runtime container. Host-side listeners that runtimes
	// must reach (the proxy forwarder) advertise this address.
	RuntimeGateway = "172.29.0.1"

	eventBufferSize = 64
)

// ErrNotFound is returned when the runtime does not know the requested
// message or chat.
var ErrNotFound = errors.New("not found")

// DockerRuntime constructs runtime instances as Docker containers.
type DockerRuntime struct {
	cli   *client.Client
	image string
}

// NewDockerRuntime creates a Docker-backed runtime launcher.
func NewDockerRuntime(image string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "image", image)
	return &DockerRuntime{cli: cli, image: image}, nil
}

// EnsureNetwork creates the runtime bridge network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := r.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == runtimeNetwork {
			slog.Info("Runtime network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := r.cli.NetworkCreate(ctx, runtimeNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet:  runtimeSubnet,
					Gateway: RuntimeGateway,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", runtimeNetwork, err)
	}

	slog.Info("Runtime network created", "network_id", createResp.ID, "subnet", runtimeSubnet)
	return createResp.ID, nil
}

// Launch constructs and starts one runtime container for a session and
// returns a connected Client. Any lingering container with the same
// session name is recycled first; a surviving instance would violate the
// one-live-handle-per-session invariant.
func (r *DockerRuntime) Launch(ctx context.Context, cfg LaunchConfig) (Client, error) {
	containerName := fmt.Sprintf("wagate-%s", cfg.SessionID)

	if inspect, err := r.cli.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Found stale runtime container, recycling", "container_id", inspect.ID, "session_id", cfg.SessionID)
		if err := r.removeContainer(ctx, inspect.ID); err != nil {
			return nil, fmt.Errorf("recycle stale runtime %s: %w", inspect.ID, err)
		}
	}

	env := []string{
		"WAGATE_SESSION_ID=" + cfg.SessionID,
		fmt.Sprintf("WAGATE_CONTROL_PORT=%d", controlPort),
	}
	if cfg.ProxyAddr != "" {
		env = append(env, "WAGATE_PROXY="+cfg.ProxyAddr)
	}
	if cfg.NavGuard {
		// The runtime owns the browser page; it enforces the
		// same-origin navigation restriction itself.
		env = append(env, "WAGATE_NAV_GUARD=1")
	}

	config := &container.Config{
		Image: r.image,
		Env:   env,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(runtimeNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: cfg.CredentialDir,
			Target: credentialMountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create runtime container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove runtime after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("start runtime %s: %w", resp.ID, err)
	}

	inspect, err := r.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect runtime %s: %w", resp.ID, err)
	}
	netInfo, ok := inspect.NetworkSettings.Networks[runtimeNetwork]
	if !ok || netInfo.IPAddress == "" {
		return nil, fmt.Errorf("runtime %s has no address on %s", resp.ID, runtimeNetwork)
	}

	dc := &dockerClient{
		runtime:     r,
		sessionID:   cfg.SessionID,
		containerID: resp.ID,
		baseURL:     fmt.Sprintf("http://%s:%d", netInfo.IPAddress, controlPort),
		httpc:       &http.Client{},
		events:      make(chan Event, eventBufferSize),
	}

	if err := dc.connectEvents(ctx); err != nil {
		if removeErr := r.removeContainer(ctx, resp.ID); removeErr != nil {
			slog.Warn("Failed to remove runtime after event connect failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("connect runtime event stream: %w", err)
	}

	slog.Info("Runtime container started", "container_id", resp.ID, "session_id", cfg.SessionID, "addr", dc.baseURL)
	return dc, nil
}

// removeContainer stops and removes a runtime container. Idempotent and
// tolerant of the container already being gone.
func (r *DockerRuntime) removeContainer(ctx context.Context, containerID string) error {
	_, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Runtime container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Runtime container already stopped", "container_id", containerID)
		} else {
			slog.Debug("Runtime stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	return nil
}

// dockerClient is the live handle to one runtime container: commands go
// over its HTTP control API, events arrive over a websocket.
type dockerClient struct {
	runtime     *DockerRuntime
	sessionID   string
	containerID string
	baseURL     string
	httpc       *http.Client

	ws       *websocket.Conn
	wsCancel context.CancelFunc
	events   chan Event

	closeOnce sync.Once
}

func (c *dockerClient) connectEvents(ctx context.Context) error {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1) + "/events"

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	// The runtime pushes large QR payloads on the event stream.
	conn.SetReadLimit(1 << 20)

	readCtx, readCancel := context.WithCancel(context.Background())
	c.ws = conn
	c.wsCancel = readCancel

	go c.readEvents(readCtx, conn)
	return nil
}

// readEvents pumps runtime frames into the event channel. A broken
// stream is the passive fault signal: the loop emits a fault event and
// closes the channel so the supervisor notices even when the container
// died without saying goodbye.
func (c *dockerClient) readEvents(ctx context.Context, conn *websocket.Conn) {
	defer close(c.events)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Runtime event stream broken", "session_id", c.sessionID, "error", err)
			c.events <- Event{Type: EventFault, Reason: err.Error()}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("Undecodable runtime event", "session_id", c.sessionID, "error", err)
			continue
		}
		if ev.Message != nil {
			ev.Message.SessionID = c.sessionID
			if ev.Message.ReceivedAt.IsZero() {
				ev.Message.ReceivedAt = time.Now()
			}
		}
		c.events <- ev
	}
}

func (c *dockerClient) Events() <-chan Event {
	return c.events
}

func (c *dockerClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, "")
}

func (c *dockerClient) SendText(ctx context.Context, req SendTextRequest) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/send/text", req, &resp, uuid.NewString()); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (c *dockerClient) SendMedia(ctx context.Context, req SendMediaRequest) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/send/media", req, &resp, uuid.NewString()); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (c *dockerClient) LookupMessage(ctx context.Context, messageID string) (*MessageRef, error) {
	var ref MessageRef
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(messageID), nil, &ref, ""); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *dockerClient) Forward(ctx context.Context, messageID, toChatID string) (string, error) {
	req := map[string]string{
		"message_id": messageID,
		"to_chat_id": toChatID,
	}
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/forward", req, &resp, uuid.NewString()); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (c *dockerClient) Chats(ctx context.Context) ([]domain.Chat, error) {
	var chats []domain.Chat
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &chats, ""); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *dockerClient) ChatInfo(ctx context.Context, chatID string) (*domain.Chat, error) {
	var chat domain.Chat
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &chat, ""); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *dockerClient) ClearMessages(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/clear", nil, nil, "")
}

func (c *dockerClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil, "")
}

// Close tears down the event stream and the container. Safe to call
// repeatedly and on an instance that already died.
func (c *dockerClient) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.wsCancel != nil {
			c.wsCancel()
		}
		if c.ws != nil {
			if closeErr := c.ws.Close(websocket.StatusNormalClosure, "session closed"); closeErr != nil {
				slog.Debug("Failed to close runtime event stream", "session_id", c.sessionID, "error", closeErr)
			}
		}
		err = c.runtime.removeContainer(ctx, c.containerID)
	})
	return err
}

// do issues one control-API call. An idempotency key is attached to
// mutating commands so a call abandoned by the guard but completed by
// the runtime is not re-applied when the caller retries.
func (c *dockerClient) do(ctx context.Context, method, path string, in, out any, idempotencyKey string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close control response body", "path", path, "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: runtime returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
