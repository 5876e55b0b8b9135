package service

import "time"

// Status is a point-in-time snapshot of one instance, safe to hand to API
// and CLI consumers.
type Status struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Port      int       `json:"port,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Restarts  int       `json:"restarts"`
	Failures  int       `json:"health_failures"`
	LastCheck time.Time `json:"last_health_check,omitempty"`
	Error     string    `json:"error,omitempty"`
}
