package sandbox

import (
	"fmt"
	"sort"
	"strconv"
)

// VolumeMount maps a host path into the container.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

func (m VolumeMount) arg() string {
	spec := m.HostPath + ":" + m.ContainerPath
	if m.ReadOnly {
		spec += ":ro"
	}
	return spec
}

// ResourceLimits bounds one sandbox process.
type ResourceLimits struct {
	MemoryMB int
	CPUs     float64
}

// Config is an immutable snapshot of everything needed to launch one
// container. It is turned into an argument vector by RunArgs; no command
// strings are assembled by concatenation.
type Config struct {
	Name    string
	Image   string
	Network string
	Limits  ResourceLimits
	Mounts  []VolumeMount
	Env     map[string]string
	WorkDir string
	Command []string
}

// RunArgs builds the detached launch vector. Env vars are emitted in sorted
// key order so the vector is deterministic.
func (c Config) RunArgs() []string {
	args := []string{"run", "--detach", "--rm", "--name", c.Name}
	if c.Limits.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--memory=%dm", c.Limits.MemoryMB))
	}
	if c.Limits.CPUs > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(c.Limits.CPUs, 'f', -1, 64))
	}
	if c.Network != "" {
		args = append(args, "--network="+c.Network)
	}
	for _, mount := range c.Mounts {
		args = append(args, "-v", mount.arg())
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+c.Env[k])
	}
	if c.WorkDir != "" {
		args = append(args, "-w", c.WorkDir)
	}
	args = append(args, c.Image)
	args = append(args, c.Command...)
	return args
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("sandbox name is required")
	}
	if c.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}
	for _, mount := range c.Mounts {
		if mount.HostPath == "" || mount.ContainerPath == "" {
			return fmt.Errorf("sandbox mount requires host and container paths")
		}
	}
	return nil
}
