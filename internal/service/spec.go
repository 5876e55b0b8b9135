package service

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/renkaru/servisr/internal/logger"
)

// Spec describes one supervised model server, keyed by its logical service
// key (for the translation children this is the language pair, e.g. "ja-en").
type Spec struct {
	Key     string   `json:"key" mapstructure:"key"`
	Command string   `json:"command" mapstructure:"command"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`

	// Marker is the literal token the child prints on stderr once its
	// serving loop is up. Empty means the child has no marker contract and
	// the marker phase is skipped.
	Marker string `json:"marker" mapstructure:"marker"`

	StartupTimeout time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
	ReadyTimeout   time.Duration `json:"ready_timeout" mapstructure:"ready_timeout"`
	StopGrace      time.Duration `json:"stop_grace" mapstructure:"stop_grace"`

	AutoStart      bool          `json:"auto_start" mapstructure:"auto_start"`
	AutoRestart    bool          `json:"auto_restart" mapstructure:"auto_restart"`
	RestartMax     int           `json:"restart_max" mapstructure:"restart_max"`
	RestartBackoff time.Duration `json:"restart_backoff" mapstructure:"restart_backoff"`

	Log logger.Config `json:"log" mapstructure:"log"`
}

const (
	DefaultStopGrace      = 5 * time.Second
	DefaultRestartMax     = 3
	DefaultRestartBackoff = 500 * time.Millisecond
)

func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return fmt.Errorf("service key is required")
	}
	if strings.ContainsAny(s.Key, " \t\n/\\") {
		return fmt.Errorf("service key %q contains invalid characters", s.Key)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q: command is required", s.Key)
	}
	if s.RestartMax < 0 {
		return fmt.Errorf("service %q: restart_max cannot be negative", s.Key)
	}
	return nil
}

// Normalize fills zero fields with their defaults.
func (s *Spec) Normalize() {
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
	if s.RestartMax == 0 {
		s.RestartMax = DefaultRestartMax
	}
	if s.RestartBackoff <= 0 {
		s.RestartBackoff = DefaultRestartBackoff
	}
}

// BuildCommand constructs the child command line for the given bound port.
// The port and key ride as trailing arguments (--port N --pair KEY), which is
// the argv contract the model servers expect. Commands containing shell
// metacharacters run under /bin/sh -c (cmd /c on Windows) with the arguments
// appended to the script text.
func (s *Spec) BuildCommand(port int) *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		script := cmdStr + " --port " + strconv.Itoa(port)
		if s.Key != "" {
			script += " --pair " + s.Key
		}
		return getShellCommand(script)
	}
	parts := strings.Fields(cmdStr)
	args := append(parts[1:], "--port", strconv.Itoa(port))
	if s.Key != "" {
		args = append(args, "--pair", s.Key)
	}
	// #nosec G204 -- command comes from the operator's own config
	return exec.Command(parts[0], args...)
}
