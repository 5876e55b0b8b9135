package client

import "time"

// ServiceSpec mirrors the daemon's start request body.
type ServiceSpec struct {
	Key            string        `json:"key"`
	Command        string        `json:"command"`
	WorkDir        string        `json:"work_dir,omitempty"`
	Env            []string      `json:"env,omitempty"`
	Marker         string        `json:"marker,omitempty"`
	StartupTimeout time.Duration `json:"startup_timeout,omitempty"`
	ReadyTimeout   time.Duration `json:"ready_timeout,omitempty"`
	StopGrace      time.Duration `json:"stop_grace,omitempty"`
	AutoStart      bool          `json:"auto_start,omitempty"`
	AutoRestart    bool          `json:"auto_restart,omitempty"`
	RestartMax     int           `json:"restart_max,omitempty"`
	RestartBackoff time.Duration `json:"restart_backoff,omitempty"`
}

// ServiceStatus is one supervised service as reported by the daemon.
type ServiceStatus struct {
	Key       string    `json:"key"`
	State     string    `json:"state"`
	Port      int       `json:"port,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Restarts  int       `json:"restarts"`
	Failures  int       `json:"health_failures"`
	LastCheck time.Time `json:"last_check,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// PortClaim is one row of the shared port ledger.
type PortClaim struct {
	Port          int       `json:"port"`
	ProcessID     int       `json:"process_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ProviderStatus is one fallback chain entry's availability.
type ProviderStatus struct {
	Provider         string    `json:"provider"`
	Available        bool      `json:"available"`
	UnavailableSince time.Time `json:"unavailable_since,omitempty"`
	RetryAt          time.Time `json:"retry_at,omitempty"`
	Failures         int       `json:"failures"`
	Reason           string    `json:"reason,omitempty"`
}

// RouteRequest is the body for POST /route.
type RouteRequest struct {
	ID         string `json:"request_id,omitempty"`
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

// RouteResponse is a provider's answer inside a RouteResult.
type RouteResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Engine     string  `json:"engine,omitempty"`
}

// RouteAttempt is one entry of the attempt trail.
type RouteAttempt struct {
	Provider string        `json:"provider"`
	Priority int           `json:"priority"`
	Outcome  string        `json:"outcome"`
	Code     string        `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// RouteResult aggregates one routing pass over the chain.
type RouteResult struct {
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Provider  string         `json:"provider,omitempty"`
	Response  *RouteResponse `json:"response,omitempty"`
	Attempts  []RouteAttempt `json:"attempts"`
	Duration  time.Duration  `json:"duration_ns"`
}

// UsageSample is one CPU/memory reading for a supervised child.
type UsageSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	At         time.Time `json:"at"`
}

// ErrorResponse is the daemon's error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
