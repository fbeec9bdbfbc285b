// Package gateway talks to the local agent gateway the daemon remote
// controls: a small HTTP status API plus a restart hook that shells out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/ashwden/nostrgate/logging"
)

// Per-action timeouts. Restart is the slow path.
const (
	StatusTimeout  = 10 * time.Second
	TaskTimeout    = 10 * time.Second
	SessionTimeout = 30 * time.Second
	RestartTimeout = 60 * time.Second

	maxBodyBytes = 64 * 1024
)

// Client is the remote-control surface consumed by the command dispatcher.
// Every method returns text suitable for direct user display or an error
// whose message is.
type Client interface {
	Status(ctx context.Context) (string, error)
	CurrentTask(ctx context.Context) (string, error)
	NewSession(ctx context.Context) (string, error)
	Restart(ctx context.Context) (string, error)
}

// LocalClient reaches the gateway over its localhost HTTP API and restarts
// it through a configured shell command.
type LocalClient struct {
	baseURL        string
	restartCommand []string
	httpClient     *http.Client
}

func NewLocalClient(baseURL string, restartCommand []string) *LocalClient {
	return &LocalClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		restartCommand: restartCommand,
		httpClient:     &http.Client{},
	}
}

func (c *LocalClient) get(ctx context.Context, path string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("gateway read: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		if text == "" {
			text = resp.Status
		}
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, text)
	}
	if text == "" {
		return "", errors.New("gateway returned an empty response")
	}
	return text, nil
}

func (c *LocalClient) Status(ctx context.Context) (string, error) {
	return c.get(ctx, "/status", StatusTimeout)
}

func (c *LocalClient) CurrentTask(ctx context.Context) (string, error) {
	return c.get(ctx, "/task", TaskTimeout)
}

func (c *LocalClient) NewSession(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, SessionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.baseURL+"/session/new", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = "New session started."
	}
	return text, nil
}

// Restart runs the configured restart command. The command is detached from
// shutdown cancellation on purpose: an in-flight restart is allowed to
// finish even if the daemon is going down.
func (c *LocalClient) Restart(ctx context.Context) (string, error) {
	if len(c.restartCommand) == 0 {
		return "", errors.New("no restart command configured")
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RestartTimeout)
	defer cancel()

	logging.Info("gateway: running restart command: %s", strings.Join(c.restartCommand, " "))
	cmd := exec.CommandContext(cctx, c.restartCommand[0], c.restartCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("restart failed: %s", msg)
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		text = "Restart triggered."
	}
	return text, nil
}

var _ Client = (*LocalClient)(nil)
