package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Container labels written by DockerProvider.
const (
	labelSandbox   = "rushed.sandbox"
	labelTemplate  = "rushed.template"
	labelExpiresAt = "rushed.expires-at"
)

// runFunc executes the docker CLI. Tests replace it.
type runFunc func(ctx context.Context, stdin io.Reader, args ...string) (stdout, stderr []byte, err error)

// DockerProvider runs sandboxes as local Docker containers.
// A template id is mapped to an image; unmapped templates use the template
// id itself as the image reference.
type DockerProvider struct {
	images     map[string]string
	image      string
	publicHost string
	workdir    string
	port       int
	now        func() time.Time
	run        runFunc
}

// DockerOptions configures a DockerProvider.
type DockerOptions struct {
	// Image overrides the image for every template when set.
	Image      string
	Images     map[string]string
	PublicHost string
	Workdir    string
	Port       int
}

// NewDockerProvider creates a Docker-backed sandbox provider.
func NewDockerProvider(opts DockerOptions) *DockerProvider {
	dp := &DockerProvider{
		images:     opts.Images,
		image:      opts.Image,
		publicHost: opts.PublicHost,
		workdir:    opts.Workdir,
		port:       opts.Port,
		now:        time.Now,
		run:        runDocker,
	}
	if dp.publicHost == "" {
		dp.publicHost = "localhost"
	}
	if dp.workdir == "" {
		dp.workdir = "/home/user"
	}
	if dp.port == 0 {
		dp.port = DefaultPort
	}
	return dp
}

func runDocker(ctx context.Context, stdin io.Reader, args ...string) ([]byte, []byte, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, nil, fmt.Errorf("docker not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (dp *DockerProvider) imageFor(templateID string) string {
	if dp.image != "" {
		return dp.image
	}
	if img, ok := dp.images[templateID]; ok && img != "" {
		return img
	}
	return templateID
}

// Create starts a detached container with the sandbox port published on a
// random host port. The expiry is stored as a label so it survives restarts.
func (dp *DockerProvider) Create(ctx context.Context, templateID string, env map[string]string, ttl time.Duration) (string, error) {
	name := "rushed-sbx-" + uuid.NewString()[:8]
	expiresAt := dp.now().Add(ttl).Unix()

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", labelSandbox + "=true",
		"--label", labelTemplate + "=" + templateID,
		"--label", fmt.Sprintf("%s=%d", labelExpiresAt, expiresAt),
		"-p", strconv.Itoa(dp.port),
		"-w", dp.workdir,
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, dp.imageFor(templateID))

	stdout, stderr, err := dp.run(ctx, nil, args...)
	if err != nil {
		return "", fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(string(stderr)), err)
	}

	containerID := strings.TrimSpace(string(stdout))
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}
	if containerID == "" {
		return "", errors.New("docker run returned no container id")
	}

	log.Debug().
		Str("container", name).
		Str("container_id", containerID).
		Str("image", dp.imageFor(templateID)).
		Msg("Docker sandbox container started")
	return containerID, nil
}

// Connect checks that the container is running and not expired.
func (dp *DockerProvider) Connect(ctx context.Context, handle string) (Session, error) {
	stdout, stderr, err := dp.run(ctx, nil, "inspect", "-f",
		`{{.State.Running}}|{{index .Config.Labels "`+labelExpiresAt+`"}}`, handle)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %s: %w", handle, strings.TrimSpace(string(stderr)), ErrSandboxUnavailable)
	}

	running, expiresAt, err := parseInspect(string(stdout))
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, fmt.Errorf("sandbox %s is not running: %w", handle, ErrSandboxUnavailable)
	}

	s := &dockerSession{id: handle, dp: dp, expiresAt: expiresAt}
	if err := s.alive(); err != nil {
		dp.remove(context.Background(), handle)
		return nil, err
	}
	return s, nil
}

func parseInspect(out string) (bool, time.Time, error) {
	parts := strings.SplitN(strings.TrimSpace(out), "|", 2)
	if len(parts) != 2 {
		return false, time.Time{}, fmt.Errorf("unexpected inspect output %q", out)
	}
	running := parts[0] == "true"
	var expiresAt time.Time
	if parts[1] != "" && parts[1] != "<no value>" {
		sec, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("bad expiry label %q: %w", parts[1], err)
		}
		expiresAt = time.Unix(sec, 0)
	}
	return running, expiresAt, nil
}

// Reap removes sandbox containers whose TTL has passed.
func (dp *DockerProvider) Reap(ctx context.Context) (int, error) {
	stdout, stderr, err := dp.run(ctx, nil, "ps", "-a",
		"--filter", "label="+labelSandbox+"=true",
		"--format", `{{.ID}}|{{.Label "`+labelExpiresAt+`"}}`)
	if err != nil {
		return 0, fmt.Errorf("docker ps failed: %s: %w", strings.TrimSpace(string(stderr)), err)
	}

	now := dp.now()
	removed := 0
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
		if len(parts) != 2 {
			continue
		}
		sec, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || now.Before(time.Unix(sec, 0)) {
			continue
		}
		dp.remove(ctx, parts[0])
		removed++
	}
	return removed, nil
}

// Janitor reaps expired sandboxes every interval until ctx is done.
func (dp *DockerProvider) Janitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := dp.Reap(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Sandbox reap failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("🧹 Expired sandboxes removed")
			}
		}
	}
}

func (dp *DockerProvider) remove(ctx context.Context, id string) {
	if _, _, err := dp.run(ctx, nil, "rm", "-f", id); err != nil {
		log.Warn().Err(err).Str("container", id).Msg("Failed to remove sandbox container")
	}
}

// dockerSession talks to one container through docker exec.
type dockerSession struct {
	id        string
	dp        *DockerProvider
	expiresAt time.Time
}

func (s *dockerSession) ID() string { return s.id }

func (s *dockerSession) alive() error {
	if !s.expiresAt.IsZero() && !s.dp.now().Before(s.expiresAt) {
		return fmt.Errorf("sandbox %s expired at %s: %w", s.id, s.expiresAt.Format(time.RFC3339), ErrSandboxUnavailable)
	}
	return nil
}

func (s *dockerSession) RunCommand(ctx context.Context, command string) (*Execution, error) {
	if err := s.alive(); err != nil {
		return &Execution{}, err
	}

	stdout, stderr, err := s.dp.run(ctx, nil, "exec", "-w", s.dp.workdir, s.id, "bash", "-c", command)
	exe := &Execution{Stdout: string(stdout), Stderr: string(stderr)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return exe, nil
	case errors.As(err, &exitErr):
		exe.Error = &ExecutionError{
			Name:      "CommandExitError",
			Value:     fmt.Sprintf("exit status %d", exitErr.ExitCode()),
			Traceback: strings.TrimSpace(string(stderr)),
		}
		return exe, nil
	default:
		return exe, fmt.Errorf("docker exec: %w", err)
	}
}

func (s *dockerSession) WriteFile(ctx context.Context, path, content string) error {
	if err := s.alive(); err != nil {
		return err
	}
	_, stderr, err := s.dp.run(ctx, strings.NewReader(content),
		"exec", "-i", "-w", s.dp.workdir, s.id,
		"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", path)
	if err != nil {
		return fmt.Errorf("write %s: %s: %w", path, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

func (s *dockerSession) ReadFile(ctx context.Context, path string) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	stdout, stderr, err := s.dp.run(ctx, nil, "exec", "-w", s.dp.workdir, s.id, "cat", "--", path)
	if err != nil {
		return "", fmt.Errorf("read %s: %s: %w", path, strings.TrimSpace(string(stderr)), err)
	}
	return string(stdout), nil
}

func (s *dockerSession) Host(ctx context.Context, port int) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	stdout, stderr, err := s.dp.run(ctx, nil, "port", s.id, fmt.Sprintf("%d/tcp", port))
	if err != nil {
		return "", fmt.Errorf("docker port: %s: %w", strings.TrimSpace(string(stderr)), err)
	}
	hostPort, err := parsePortMapping(string(stdout))
	if err != nil {
		return "", err
	}
	return s.dp.publicHost + ":" + hostPort, nil
}

// parsePortMapping extracts the host port from `docker port` output such as
// "0.0.0.0:49153\n[::]:49153".
func parsePortMapping(out string) (string, error) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		idx := strings.LastIndex(line, ":")
		if idx < 0 || idx == len(line)-1 {
			continue
		}
		port := line[idx+1:]
		if _, err := strconv.Atoi(port); err == nil {
			return port, nil
		}
	}
	return "", fmt.Errorf("no published port in %q", out)
}
