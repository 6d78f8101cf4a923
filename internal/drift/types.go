// Package drift compares schema snapshots taken at different times and
// classifies every difference as additive or breaking. A breaking change
// is one that can invalidate SQL the model wrote against the older
// snapshot; additive changes only widen what is available.
package drift

import "time"

// Type classifies the severity of a schema change.
type Type string

const (
	// Additive means a new table or column appeared. SQL written against
	// the older snapshot keeps working.
	Additive Type = "additive"
	// Breaking means a table or column disappeared or changed type. SQL
	// written against the older snapshot may now fail.
	Breaking Type = "breaking"
)

// Item describes a single difference between two snapshots.
type Item struct {
	Type        Type   `json:"type"`
	Category    string `json:"category"` // table_added, table_removed, column_added, column_removed, type_changed, nullable_changed
	Table       string `json:"table"`
	Column      string `json:"column,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	Description string `json:"description"`
}

// Report summarizes the drift between two snapshots of one database.
type Report struct {
	Database      string     `json:"database"`
	PreviousAt    *time.Time `json:"previous_cached_at,omitempty"`
	CheckedAt     time.Time  `json:"checked_at"`
	HasDrift      bool       `json:"has_drift"`
	HasBreaking   bool       `json:"has_breaking"`
	AdditiveCount int        `json:"additive_count"`
	BreakingCount int        `json:"breaking_count"`
	Items         []Item     `json:"items,omitempty"`
}
