package db

// Schema defines the SQLite database schema for the job history.
// Every upload, release deployment, backup and restore is recorded with its
// outcome so the board keeps an audit trail across restarts.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('upload', 'release', 'backup', 'restore')),
    target TEXT NOT NULL,
    source TEXT,
    files TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'succeeded', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Job kinds
const (
	KindUpload  = "upload"
	KindRelease = "release"
	KindBackup  = "backup"
	KindRestore = "restore"
)

// Status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job represents one recorded pipeline job
type Job struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Target       string `json:"target"`
	Source       string `json:"source"`
	Files        string `json:"files"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}
