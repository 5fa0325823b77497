// Package sandbox provides a uniform filesystem/exec interface over a
// container backend, with idempotent lifecycle, deterministic identity per
// project, and path mapping between host and sandbox roots.
//
// The runtime trait lives in this leaf package precisely so that the
// permission engine and tool implementations can both depend on it without
// either depending on the other: anything needing sandbox access imports
// sandbox.Runtime directly instead of punching through an untyped "any"
// reference, the way an MCP-facing caller in the source had to.
package sandbox

import (
	"context"
	"hash/fnv"
	"fmt"
	"path/filepath"
	"strings"
)

// ExecResult is the outcome of an exec'd command inside the sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileMetadata describes a path inside the sandbox.
type FileMetadata struct {
	Path    string
	IsDir   bool
	Size    int64
	Mode    uint32
	ModTime int64
}

// Runtime is the filesystem/exec surface every sandbox backend must
// implement. The bash, edit, multiedit and patch tools route their operations
// through it whenever a session has an active sandbox; otherwise they fall
// back to the host filesystem directly. The read, write, glob, grep and list
// tools always use the host filesystem.
type Runtime interface {
	// ID returns the deterministic container identity for this runtime.
	ID() string

	// Start is idempotent: adopts a running container, starts a stopped
	// one, or creates+starts a fresh one.
	Start(ctx context.Context) error

	// Stop gracefully stops the container, removing it unless keep-alive
	// was configured.
	Stop(ctx context.Context) error

	// Running reports whether the sandbox's container is currently up.
	Running(ctx context.Context) (bool, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, mode uint32) error
	PathExists(ctx context.Context, path string) (bool, error)
	Metadata(ctx context.Context, path string) (*FileMetadata, error)
	ReadDir(ctx context.Context, path string) ([]FileMetadata, error)
	CreateDirAll(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string, recursive bool) error

	Execute(ctx context.Context, command, workdir string, timeoutSeconds int) (*ExecResult, error)
}

// Config configures a sandbox runtime's lifecycle and resource limits.
type Config struct {
	HostRoot      string
	SandboxRoot   string
	Image         string
	KeepAlive     bool
	MemoryBytes   int64
	NanoCPUs      int64
	PidsLimit     int64
	NetworkMode   string
	ReadonlyRoot  bool
	Env           map[string]string
}

// DefaultConfig fills in the sandbox defaults used when a project has no
// explicit sandbox configuration.
func DefaultConfig(hostRoot string) Config {
	return Config{
		HostRoot:    hostRoot,
		SandboxRoot: "/workspace",
		Image:       "docker.io/library/ubuntu:24.04",
		NetworkMode: "bridge",
		PidsLimit:   512,
	}
}

// LabelKey and LabelValue mark every container this module manages so
// orphan cleanup can find them without touching unrelated containers.
const (
	LabelKey      = "wonopcode"
	LabelValue    = "true"
	LabelIDKey    = "wonopcode.sandbox.id"
)

// DeriveID computes the stable, unsalted container identity for a host
// project path. Two runs against the same project must resolve to the same
// id so the UI can adopt a pre-existing container across restarts; distinct
// projects must not collide.
func DeriveID(hostRoot string) string {
	abs, err := filepath.Abs(hostRoot)
	if err != nil {
		abs = hostRoot
	}
	abs = filepath.Clean(abs)

	h := fnv.New64a()
	_, _ = h.Write([]byte(abs))
	return fmt.Sprintf("wonopcode-%012x", h.Sum64()&0xFFFFFFFFFFFF)
}

// PathMapper translates tool-supplied paths between the host project root
// and the sandbox's mount point.
type PathMapper struct {
	HostRoot    string
	SandboxRoot string
}

// NewPathMapper builds a mapper from a sandbox Config.
func NewPathMapper(cfg Config) PathMapper {
	return PathMapper{HostRoot: cfg.HostRoot, SandboxRoot: cfg.SandboxRoot}
}

// ToSandbox maps a host-relative or absolute path under HostRoot to its
// location inside the sandbox.
func (m PathMapper) ToSandbox(hostPath string) (string, error) {
	abs := hostPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.HostRoot, abs)
	}
	rel, err := filepath.Rel(m.HostRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes sandbox host root %q", hostPath, m.HostRoot)
	}
	return filepath.ToSlash(filepath.Join(m.SandboxRoot, rel)), nil
}

// ToHost maps a sandbox-side path back to the host filesystem.
func (m PathMapper) ToHost(sandboxPath string) (string, error) {
	rel, err := filepath.Rel(m.SandboxRoot, sandboxPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes sandbox root %q", sandboxPath, m.SandboxRoot)
	}
	return filepath.Join(m.HostRoot, rel), nil
}

// Escapes reports whether a host path falls outside HostRoot, the signal
// tools use to route the call through the "external_directory" permission
// instead of a plain read/edit/write check.
func (m PathMapper) Escapes(hostPath string) bool {
	abs := hostPath
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.HostRoot, abs)
	}
	rel, err := filepath.Rel(m.HostRoot, abs)
	return err != nil || strings.HasPrefix(rel, "..")
}
