package client

import "time"

// RegisterRequest mirrors the daemon's service spec JSON.
type RegisterRequest struct {
	Name         string            `json:"name"`
	Image        string            `json:"image,omitempty"`
	Command      []string          `json:"command,omitempty"`
	WorkDir      string            `json:"work_dir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Restart      string            `json:"restart,omitempty"`
	Ports        []PortBinding     `json:"ports,omitempty"`
	Volumes      []VolumeBinding   `json:"volumes,omitempty"`
	StartTimeout time.Duration     `json:"start_timeout,omitempty"`
	StopGrace    time.Duration     `json:"stop_grace,omitempty"`
	MaxRestarts  int               `json:"max_restarts,omitempty"`
}

type PortBinding struct {
	HostPort      int `json:"host_port"`
	ContainerPort int `json:"container_port"`
}

type VolumeBinding struct {
	Volume    string `json:"volume"`
	MountPath string `json:"mount_path"`
}

// ServiceStatus is the daemon's status snapshot for one service.
type ServiceStatus struct {
	Name      string          `json:"name"`
	State     string          `json:"state"`
	PID       int             `json:"pid,omitempty"`
	ExitCode  int             `json:"exit_code,omitempty"`
	Restarts  int             `json:"restarts,omitempty"`
	Ports     []PortBinding   `json:"ports,omitempty"`
	Volumes   []VolumeBinding `json:"volumes,omitempty"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	StoppedAt time.Time       `json:"stopped_at,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// VolumeInfo describes one declared volume.
type VolumeInfo struct {
	Name         string   `json:"name"`
	Path         string   `json:"path,omitempty"`
	Materialized bool     `json:"materialized"`
	UsedBy       []string `json:"used_by,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
