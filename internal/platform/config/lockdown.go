package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// LockdownVersion is the only lockdown schema this build understands.
const LockdownVersion = 1

// Lockdown is the per-exam environment policy enforced by the compliance
// gate and the session manager. Every recognized option is listed here with
// its default in DefaultLockdown; unknown keys in the file are rejected.
type Lockdown struct {
	Version int `json:"version"`

	RequireSecureBrowser bool `json:"require_secure_browser"`
	RequireWebcam        bool `json:"require_webcam"`
	RequireFullscreen    bool `json:"require_fullscreen"`
	MinScreenWidth       int  `json:"min_screen_width"`
	MinScreenHeight      int  `json:"min_screen_height"`

	HeartbeatIntervalSeconds int  `json:"heartbeat_interval_seconds"`
	GraceMultiplier          int  `json:"grace_multiplier"`
	AutoSubmitOnTimeout      bool `json:"auto_submit_on_timeout"`
}

// DefaultLockdown returns the reference policy: secure browser and
// fullscreen required, webcam optional, 30s heartbeats with a 3x grace.
func DefaultLockdown() Lockdown {
	return Lockdown{
		Version:                  LockdownVersion,
		RequireSecureBrowser:     true,
		RequireWebcam:            false,
		RequireFullscreen:        true,
		MinScreenWidth:           1024,
		MinScreenHeight:          768,
		HeartbeatIntervalSeconds: 30,
		GraceMultiplier:          3,
		AutoSubmitOnTimeout:      true,
	}
}

// HeartbeatInterval is the expected liveness cadence.
func (l Lockdown) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatIntervalSeconds) * time.Second
}

// GraceWindow is how long a session may go without a heartbeat.
func (l Lockdown) GraceWindow() time.Duration {
	return l.HeartbeatInterval() * time.Duration(l.GraceMultiplier)
}

// Validate rejects policies the session manager cannot run.
func (l Lockdown) Validate() error {
	if l.Version != LockdownVersion {
		return fmt.Errorf("unsupported lockdown version %d (want %d)", l.Version, LockdownVersion)
	}
	if l.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive")
	}
	if l.GraceMultiplier < 1 {
		return fmt.Errorf("grace_multiplier must be at least 1")
	}
	if l.MinScreenWidth < 0 || l.MinScreenHeight < 0 {
		return fmt.Errorf("minimum screen dimensions cannot be negative")
	}
	return nil
}

// LoadLockdown reads a JSONC lockdown file. Keys missing from the file keep
// their defaults. An empty path returns the defaults.
func LoadLockdown(path string) (Lockdown, error) {
	if path == "" {
		return DefaultLockdown(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Lockdown{}, fmt.Errorf("read lockdown file: %w", err)
	}
	return ParseLockdown(data)
}

// ParseLockdown decodes JSONC lockdown content over the defaults.
func ParseLockdown(data []byte) (Lockdown, error) {
	l := DefaultLockdown()
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return Lockdown{}, fmt.Errorf("parse lockdown: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Lockdown{}, err
	}
	return l, nil
}
