package model

import (
	"time"

	"github.com/goccy/go-json"
)

// SessionState is the lifecycle state of a terminal session.
type SessionState string

const (
	SessionStateIdle    SessionState = "idle"
	SessionStateActive  SessionState = "active"
	SessionStateStopped SessionState = "stopped"
)

// EndReason describes why a session reached the stopped state.
type EndReason string

const (
	EndReasonNone        EndReason = ""
	EndReasonEOF         EndReason = "eof"
	EndReasonStopped     EndReason = "stopped"
	EndReasonWriteFailed EndReason = "write-failed"
	EndReasonRelayError  EndReason = "relay-error"
)

// Session is the persisted record of a terminal session.
type Session struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Shell     string            `json:"shell"`
	Workdir   string            `json:"workdir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	State     SessionState      `json:"state"`
	EndReason EndReason         `json:"endReason,omitempty"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	PID       *int              `json:"pid,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	CastPath  string            `json:"castPath,omitempty"`
	LastError string            `json:"lastError,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// EnvToJSON converts the Env map to a JSON string for storage.
func (s *Session) EnvToJSON() (string, error) {
	if len(s.Env) == 0 {
		return "", nil
	}
	data, err := json.Marshal(s.Env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EnvFromJSON parses a JSON string into the Env map.
func (s *Session) EnvFromJSON(data string) error {
	if data == "" {
		s.Env = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &s.Env)
}

// EnvList renders Env as KEY=VALUE pairs.
func (s *Session) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// Duration returns how long the session has been (or was) alive.
func (s *Session) Duration() time.Duration {
	if s.State == SessionStateStopped {
		return s.UpdatedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Shell   string            `json:"shell"`
	Name    string            `json:"name"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
	Rows    uint16            `json:"rows"`
	Cols    uint16            `json:"cols"`
}

// Validate validates the create session request.
func (r *CreateSessionRequest) Validate() error {
	for k := range r.Env {
		if k == "" {
			return ErrInvalidEnv
		}
	}
	return nil
}
