package service

import "time"

// Status is an externally consumable snapshot of one service instance.
type Status struct {
	Name      string          `json:"name"`
	State     State           `json:"state"`
	PID       int             `json:"pid,omitempty"`
	ExitCode  int             `json:"exit_code"`
	Restarts  int             `json:"restarts"`
	Ports     []PortBinding   `json:"ports,omitempty"`
	Volumes   []VolumeBinding `json:"volumes,omitempty"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	StoppedAt time.Time       `json:"stopped_at,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Running reports whether the instance currently holds a live process.
func (s Status) Running() bool { return s.State == StateRunning }
