package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/wonopcode/wonopcode/internal/logging"
)

// DockerRuntime is the container-backed Runtime implementation, grounded on
// the source's docker runtime: idempotent start/stop, orphan cleanup of
// stale containers, and a shell-exec filesystem surface.
type DockerRuntime struct {
	cli    *client.Client
	cfg    Config
	id     string
	mu     sync.Mutex
	status string // "" | "starting" | "running" | "stopped"
	log    zerolog.Logger
}

// NewDockerRuntime builds a runtime bound to the Docker daemon reachable
// from the environment (DOCKER_HOST, or the local socket).
func NewDockerRuntime(cfg Config) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &DockerRuntime{
		cli: cli,
		cfg: cfg,
		id:  DeriveID(cfg.HostRoot),
		log: logging.Logger.With().Str("component", "sandbox").Str("id", DeriveID(cfg.HostRoot)).Logger(),
	}, nil
}

func (r *DockerRuntime) ID() string { return r.id }

func (r *DockerRuntime) Running(ctx context.Context) (bool, error) {
	insp, err := r.cli.ContainerInspect(ctx, r.id)
	if client.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sandbox: inspect %s: %w", r.id, err)
	}
	return insp.State != nil && insp.State.Running, nil
}

// Start is idempotent: adopt a running container, start a stopped one, or
// pull the image and create a fresh one. Orphaned containers (same label,
// different id, not running) are removed first.
func (r *DockerRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cleanupOrphans(ctx); err != nil {
		r.log.Warn().Err(err).Msg("orphan cleanup failed")
	}

	insp, err := r.cli.ContainerInspect(ctx, r.id)
	switch {
	case client.IsErrNotFound(err):
		if err := r.pullImage(ctx); err != nil {
			return err
		}
		if err := r.create(ctx); err != nil {
			return err
		}
		if err := r.cli.ContainerStart(ctx, r.id, container.StartOptions{}); err != nil {
			return fmt.Errorf("sandbox: start %s: %w", r.id, err)
		}
	case err != nil:
		return fmt.Errorf("sandbox: inspect %s: %w", r.id, err)
	case insp.State != nil && insp.State.Running:
		// Already running — adopt it.
	default:
		if err := r.cli.ContainerStart(ctx, r.id, container.StartOptions{}); err != nil {
			return fmt.Errorf("sandbox: start existing %s: %w", r.id, err)
		}
	}

	r.status = "running"
	return nil
}

// Stop issues a graceful stop with a short grace period, removing the
// container afterward unless configured to keep it alive.
func (r *DockerRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	grace := 2
	if err := r.cli.ContainerStop(ctx, r.id, container.StopOptions{Timeout: &grace}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("sandbox: stop %s: %w", r.id, err)
	}
	r.status = "stopped"

	if r.cfg.KeepAlive {
		return nil
	}
	if err := r.cli.ContainerRemove(ctx, r.id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("sandbox: remove %s: %w", r.id, err)
	}
	return nil
}

// cleanupOrphans removes every wonopcode-labeled container in a terminal
// state other than this runtime's own id. Running containers are never
// touched — they may belong to other live agent processes.
func (r *DockerRuntime) cleanupOrphans(ctx context.Context) error {
	f := filters.NewArgs()
	f.Add("label", LabelKey+"="+LabelValue)
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("sandbox: list containers: %w", err)
	}

	for _, c := range containers {
		if c.ID == r.id || strings.HasPrefix(c.ID, r.id) {
			continue
		}
		switch c.State {
		case "exited", "dead", "created":
			if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				r.log.Warn().Err(err).Str("orphan", c.ID).Msg("failed to remove orphan sandbox container")
			}
		}
	}
	return nil
}

func (r *DockerRuntime) pullImage(ctx context.Context) error {
	rc, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: pull image %s: %w", r.cfg.Image, err)
	}
	defer rc.Close()
	// Drain the streamed progress; callers that want live progress can wrap
	// this runtime and tee the reader before invoking Start.
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (r *DockerRuntime) create(ctx context.Context) error {
	exposed, _, err := nat.ParsePortSpecs(nil)
	if err != nil {
		return err
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		Binds:       []string{r.cfg.HostRoot + ":" + r.cfg.SandboxRoot},
		Resources: container.Resources{
			Memory:    r.cfg.MemoryBytes,
			NanoCPUs:  r.cfg.NanoCPUs,
			PidsLimit: &r.cfg.PidsLimit,
		},
		ReadonlyRootfs: r.cfg.ReadonlyRoot,
	}

	env := make([]string, 0, len(r.cfg.Env))
	for k, v := range r.cfg.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        r.cfg.Image,
		Cmd:          []string{"sleep", "infinity"},
		Env:          env,
		WorkingDir:   r.cfg.SandboxRoot,
		ExposedPorts: exposed,
		Labels: map[string]string{
			LabelKey:   LabelValue,
			LabelIDKey: r.id,
		},
	}

	_, err = r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, r.id)
	if err != nil {
		return fmt.Errorf("sandbox: create %s: %w", r.id, err)
	}
	return nil
}

// exec runs a shell command inside the container and collects its output.
func (r *DockerRuntime) exec(ctx context.Context, shellCmd string, timeoutSeconds int) (*ExecResult, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 120
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	created, err := r.cli.ContainerExecCreate(execCtx, r.id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", shellCmd},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   r.cfg.SandboxRoot,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := demuxStdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("sandbox: exec read: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

// demuxStdCopy reads Docker's multiplexed exec stream into separate stdout
// and stderr buffers.
func demuxStdCopy(stdout, stderr io.Writer, src io.Reader) (int64, error) {
	header := make([]byte, 8)
	var total int64
	for {
		if _, err := io.ReadFull(src, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return total, nil
			}
			return total, err
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		n, err := io.CopyN(dst, src, int64(size))
		total += n
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

func (r *DockerRuntime) Execute(ctx context.Context, command, workdir string, timeoutSeconds int) (*ExecResult, error) {
	cmd := command
	if workdir != "" {
		cmd = "cd " + shellQuote(workdir) + " && " + command
	}
	return r.exec(ctx, cmd, timeoutSeconds)
}

func (r *DockerRuntime) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := r.exec(ctx, "base64 "+shellQuote(path), 30)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
}

func (r *DockerRuntime) WriteFile(ctx context.Context, path string, data []byte, mode uint32) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	dir := parentDir(path)
	cmd := fmt.Sprintf("mkdir -p %s && printf %%s %s | base64 -d > %s && chmod %o %s",
		shellQuote(dir), shellQuote(encoded), shellQuote(path), mode, shellQuote(path))
	res, err := r.exec(ctx, cmd, 30)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: write %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (r *DockerRuntime) PathExists(ctx context.Context, path string) (bool, error) {
	res, err := r.exec(ctx, "test -e "+shellQuote(path), 10)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (r *DockerRuntime) Metadata(ctx context.Context, path string) (*FileMetadata, error) {
	cmd := fmt.Sprintf("stat -c '%%F|%%s|%%Y|%%a' %s", shellQuote(path))
	res, err := r.exec(ctx, cmd, 10)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: stat %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	fields := strings.Split(strings.TrimSpace(res.Stdout), "|")
	if len(fields) != 4 {
		return nil, fmt.Errorf("sandbox: unexpected stat output for %s", path)
	}
	size, _ := strconv.ParseInt(fields[1], 10, 64)
	modTime, _ := strconv.ParseInt(fields[2], 10, 64)
	mode, _ := strconv.ParseUint(fields[3], 8, 32)
	return &FileMetadata{
		Path:    path,
		IsDir:   strings.Contains(fields[0], "directory"),
		Size:    size,
		ModTime: modTime,
		Mode:    uint32(mode),
	}, nil
}

func (r *DockerRuntime) ReadDir(ctx context.Context, path string) ([]FileMetadata, error) {
	cmd := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -printf '%%y|%%s|%%T@|%%m|%%p\\n'", shellQuote(path))
	res, err := r.exec(ctx, cmd, 15)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: read dir %s: %s", path, strings.TrimSpace(res.Stderr))
	}

	var entries []FileMetadata
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 5)
		if len(fields) != 5 {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		modTimeF, _ := strconv.ParseFloat(fields[2], 64)
		mode, _ := strconv.ParseUint(fields[3], 8, 32)
		entries = append(entries, FileMetadata{
			Path:    fields[4],
			IsDir:   fields[0] == "d",
			Size:    size,
			ModTime: int64(modTimeF),
			Mode:    uint32(mode),
		})
	}
	return entries, nil
}

func (r *DockerRuntime) CreateDirAll(ctx context.Context, path string) error {
	res, err := r.exec(ctx, "mkdir -p "+shellQuote(path), 10)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: mkdir %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (r *DockerRuntime) RemoveFile(ctx context.Context, path string) error {
	res, err := r.exec(ctx, "rm -f "+shellQuote(path), 10)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: remove %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (r *DockerRuntime) RemoveDir(ctx context.Context, path string, recursive bool) error {
	cmd := "rmdir " + shellQuote(path)
	if recursive {
		cmd = "rm -rf " + shellQuote(path)
	}
	res, err := r.exec(ctx, cmd, 30)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: remove dir %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// shellQuote wraps a string in single quotes, escaping any embedded single
// quote for safe interpolation into an `sh -c` command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
