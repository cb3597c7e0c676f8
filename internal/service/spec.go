package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/stackup/internal/logger"
)

// RestartPolicy governs whether an instance is automatically restarted
// after its process exits.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// ParseRestartPolicy maps a config string to a RestartPolicy.
// An empty string defaults to RestartNever.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never", "no":
		return RestartNever, nil
	case "on-failure", "onfailure", "on_failure":
		return RestartOnFailure, nil
	case "always":
		return RestartAlways, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", s)
	}
}

// PortBinding maps a host port to a container/process port.
type PortBinding struct {
	HostPort      int `json:"host_port" mapstructure:"host_port"`
	ContainerPort int `json:"container_port" mapstructure:"container_port"`
}

func (p PortBinding) String() string {
	return strconv.Itoa(p.HostPort) + ":" + strconv.Itoa(p.ContainerPort)
}

// ParsePortBinding parses "host:container" (or a bare "port" meaning both).
func ParsePortBinding(s string) (PortBinding, error) {
	host, cont, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		cont = host
	}
	h, err := strconv.Atoi(host)
	if err != nil {
		return PortBinding{}, fmt.Errorf("invalid host port %q", host)
	}
	c, err := strconv.Atoi(cont)
	if err != nil {
		return PortBinding{}, fmt.Errorf("invalid container port %q", cont)
	}
	pb := PortBinding{HostPort: h, ContainerPort: c}
	if err := pb.Validate(); err != nil {
		return PortBinding{}, err
	}
	return pb, nil
}

func (p PortBinding) Validate() error {
	if p.HostPort < 1 || p.HostPort > 65535 {
		return fmt.Errorf("host port %d out of range", p.HostPort)
	}
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return fmt.Errorf("container port %d out of range", p.ContainerPort)
	}
	return nil
}

// VolumeBinding attaches a named volume at a mount path.
type VolumeBinding struct {
	Volume    string `json:"volume" mapstructure:"volume"`
	MountPath string `json:"mount_path" mapstructure:"mount_path"`
}

func (v VolumeBinding) String() string { return v.Volume + ":" + v.MountPath }

// ParseVolumeBinding parses "name:/mount/path".
func ParseVolumeBinding(s string) (VolumeBinding, error) {
	name, mount, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || name == "" || mount == "" {
		return VolumeBinding{}, fmt.Errorf("invalid volume binding %q, want name:/mount/path", s)
	}
	if !strings.HasPrefix(mount, "/") {
		return VolumeBinding{}, fmt.Errorf("volume %s: mount path %q must be absolute", name, mount)
	}
	return VolumeBinding{Volume: name, MountPath: mount}, nil
}

// Spec describes one service unit to be managed.
type Spec struct {
	Name          string            `json:"name" mapstructure:"name"`
	Image         string            `json:"image" mapstructure:"image"`             // repository:tag, carried to the runtime
	Command       []string          `json:"command" mapstructure:"command"`         // optional startup command override
	WorkDir       string            `json:"work_dir" mapstructure:"work_dir"`       // optional working dir
	Env           map[string]string `json:"env" mapstructure:"env"`                 // per-service environment
	Restart       RestartPolicy     `json:"restart" mapstructure:"restart"`         // never | on-failure | always
	Ports         []PortBinding     `json:"ports" mapstructure:"ports"`             // host->container bindings
	Volumes       []VolumeBinding   `json:"volumes" mapstructure:"volumes"`         // named volume mounts
	StartTimeout  time.Duration     `json:"start_timeout" mapstructure:"start_timeout"`       // bound on Starting; default applied by controller
	StopGrace     time.Duration     `json:"stop_grace" mapstructure:"stop_grace"`             // SIGTERM grace before force kill
	MaxRestarts   int               `json:"max_restarts" mapstructure:"max_restarts"`         // restart ceiling; 0 = unlimited
	BackoffBase   time.Duration     `json:"backoff_base" mapstructure:"backoff_base"`         // default 1s
	BackoffCap    time.Duration     `json:"backoff_cap" mapstructure:"backoff_cap"`           // default 30s
	Log           logger.Config     `json:"log" mapstructure:"log"`                           // captured output destination
}

// Validate checks the spec in isolation. Cross-spec invariants (port
// uniqueness, volume existence) are enforced by the Registry.
func (s *Spec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") || strings.Contains(name, "..") {
		return fmt.Errorf("service %q: name contains invalid characters", name)
	}
	if strings.TrimSpace(s.Image) == "" && len(s.Command) == 0 {
		return fmt.Errorf("service %q: image or command is required", name)
	}
	seen := make(map[int]struct{}, len(s.Ports))
	for _, p := range s.Ports {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		if _, dup := seen[p.HostPort]; dup {
			return fmt.Errorf("service %q: host port %d bound twice", name, p.HostPort)
		}
		seen[p.HostPort] = struct{}{}
	}
	mounts := make(map[string]struct{}, len(s.Volumes))
	for _, v := range s.Volumes {
		if v.Volume == "" {
			return fmt.Errorf("service %q: volume binding requires a volume name", name)
		}
		if !strings.HasPrefix(v.MountPath, "/") {
			return fmt.Errorf("service %q: volume %s mount path must be absolute", name, v.Volume)
		}
		if _, dup := mounts[v.MountPath]; dup {
			return fmt.Errorf("service %q: mount path %s bound twice", name, v.MountPath)
		}
		mounts[v.MountPath] = struct{}{}
	}
	switch s.Restart {
	case "", RestartNever, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("service %q: unknown restart policy %q", name, s.Restart)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("service %q: max_restarts cannot be negative", name)
	}
	return nil
}

// HostPorts returns the spec's host ports in ascending order.
func (s *Spec) HostPorts() []int {
	out := make([]int, 0, len(s.Ports))
	for _, p := range s.Ports {
		out = append(out, p.HostPort)
	}
	sort.Ints(out)
	return out
}

// VolumeNames returns the referenced volume names in binding order.
func (s *Spec) VolumeNames() []string {
	out := make([]string, 0, len(s.Volumes))
	for _, v := range s.Volumes {
		out = append(out, v.Volume)
	}
	return out
}

// DeepCopy returns an independent copy of the spec.
func (s *Spec) DeepCopy() Spec {
	out := *s
	out.Command = append([]string(nil), s.Command...)
	out.Ports = append([]PortBinding(nil), s.Ports...)
	out.Volumes = append([]VolumeBinding(nil), s.Volumes...)
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}
