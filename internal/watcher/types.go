package watcher

import "time"

// ChangeKind represents the kind of filesystem mutation
type ChangeKind int

const (
	KindCreated ChangeKind = iota
	KindModified
	KindDeleted
	KindRenamed
)

// String returns the string representation of the ChangeKind
func (k ChangeKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeRecord represents a single filesystem mutation observed under a
// watched root. Records are ephemeral; they live only until the debouncer
// folds them into a batch.
type ChangeRecord struct {
	Path       string
	Kind       ChangeKind
	ObservedAt time.Time
}

// ChangeBatch is an ordered, per-path-deduplicated group of change records
// covering one settle window. At most one record exists per path; the
// last-arrived kind wins, with deletion confirmed against the final OS state
// at flush time.
type ChangeBatch struct {
	Records   []ChangeRecord
	EmittedAt time.Time
}

// Paths returns the batch's paths in emission order.
func (b ChangeBatch) Paths() []string {
	paths := make([]string, len(b.Records))
	for i, r := range b.Records {
		paths[i] = r.Path
	}
	return paths
}

// PathFilter determines if a path should produce change records
type PathFilter func(path string) bool
