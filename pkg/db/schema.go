package db

// Schema defines the SQLite schema of the upload journal. One row per entry
// id; removed entries keep their row with state 'removed'.
const Schema = `
CREATE TABLE IF NOT EXISTS uploads (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    state TEXT NOT NULL CHECK(state IN ('idle', 'generating-url', 'uploading', 'attaching', 'completed', 'error', 'deleting', 'cancelled', 'removed')),
    file_name TEXT,
    content_type TEXT,
    content_length INTEGER NOT NULL DEFAULT 0,
    object_key TEXT,
    public_url TEXT,
    remote_id TEXT,
    error_message TEXT,
    is_primary INTEGER NOT NULL DEFAULT 0,
    position INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_uploads_owner_id ON uploads(owner_id);
CREATE INDEX IF NOT EXISTS idx_uploads_state ON uploads(state);
`

// StateRemoved marks a journal row whose entry left the store.
const StateRemoved = "removed"

// Upload represents one journal row
type Upload struct {
	ID            string
	OwnerID       string
	State         string
	FileName      string
	ContentType   string
	ContentLength int64
	ObjectKey     string
	PublicURL     string
	RemoteID      string
	ErrorMessage  string
	IsPrimary     bool
	Position      int
	CreatedAt     string
	UpdatedAt     string
}
