package models

// DaemonRecord describes a (possibly historical) daemon process. At most one
// live record exists per host; the startup lock enforces this.
type DaemonRecord struct {
	DaemonID        string `json:"daemon_id"         db:"daemon_id"`
	PID             int    `json:"pid"               db:"pid"`
	StartedAt       string `json:"started_at"        db:"started_at"`
	HeartbeatAt     string `json:"heartbeat_at"      db:"heartbeat_at"`
	ControlRoot     string `json:"control_root"      db:"control_root"`
	ControlFilePath string `json:"control_file_path" db:"control_file_path"`
	RalphVersion    string `json:"ralph_version"     db:"ralph_version"`
	Command         string `json:"command"           db:"command"`
	Cwd             string `json:"cwd"               db:"cwd"`
	// StartIdentity is a token tied to the process start time, used to tell a
	// recycled PID from the original owner.
	StartIdentity string `json:"start_identity" db:"start_identity"`
}

// Control modes for the file-backed control channel.
const (
	ModeRunning  = "running"
	ModeDraining = "draining"
	ModePaused   = "paused"
)
