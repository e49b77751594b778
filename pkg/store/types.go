package store

// State is the lifecycle state of one tracked image.
type State string

// Lifecycle states
const (
	StateIdle          State = "idle"
	StateGeneratingURL State = "generating-url"
	StateUploading     State = "uploading"
	StateAttaching     State = "attaching"
	StateCompleted     State = "completed"
	StateError         State = "error"
	StateDeleting      State = "deleting"
	StateCancelled     State = "cancelled"
)

// InFlight reports whether a pipeline or a remote operation currently owns the entry.
func (s State) InFlight() bool {
	switch s {
	case StateIdle, StateGeneratingURL, StateUploading, StateAttaching, StateDeleting:
		return true
	}
	return false
}

// Credential is a time-boxed authorization to upload one object.
// Hydrated entries carry only ObjectKey and PublicURL.
type Credential struct {
	UploadURL string
	ObjectKey string
	PublicURL string
}

// Entry is one image tracked by the Store, local or server-origin.
type Entry struct {
	ID       string
	RemoteID string
	FileName string

	// LocalFile holds the bytes while they exist only on the client.
	// It is treated as immutable once handed to the Store.
	LocalFile     []byte
	ContentLength int64
	ContentType   string

	State        State
	ErrorMessage string
	Credential   *Credential

	IsPrimary bool
	Position  int
}

// ObjectKey returns the storage key of the entry, or "" when none is known yet.
func (e Entry) ObjectKey() string {
	if e.Credential == nil {
		return ""
	}
	return e.Credential.ObjectKey
}

// HasLocalFile reports whether the entry still holds client-side bytes.
func (e Entry) HasLocalFile() bool {
	return e.LocalFile != nil
}

// RemoteRef returns the identifier the backend knows this image by.
func (e Entry) RemoteRef() string {
	if e.RemoteID != "" {
		return e.RemoteID
	}
	return e.ID
}

func (e Entry) clone() Entry {
	if e.Credential != nil {
		c := *e.Credential
		e.Credential = &c
	}
	return e
}

// EventKind classifies a Store mutation.
type EventKind string

const (
	EventInserted EventKind = "inserted"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
)

// Event describes one mutation. Entry is the state after the mutation, or the last
// known state for EventRemoved.
type Event struct {
	Kind  EventKind
	Entry Entry
}
