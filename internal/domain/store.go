package domain

import "time"

// NodeStats is the write thread pool snapshot of a single store node.
type NodeStats struct {
	NodeID  string
	Threads int
	Active  int
}

// Available reports whether the node can accept more bulk work. A node with
// no threads reported is unmanaged and always available.
func (n NodeStats) Available() bool {
	return n.Threads == 0 || n.Active < n.Threads
}

// Mapping is a captured schema definition for an index/type pair.
type Mapping struct {
	Index    string         `json:"index"`
	Type     string         `json:"type"`
	Source   map[string]any `json:"mappings"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Counters is a point-in-time view of a coordinator's counters.
type Counters struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	Deleted  int64 `json:"deleted"`
	Total    int64 `json:"total"`
}

// Documents is the number of documents submitted in the current flush window.
func (c Counters) Documents() int64 {
	return c.Inserted + c.Updated + c.Deleted
}

// Statistics is the record persisted after each successful flush.
type Statistics struct {
	Duration time.Duration
	Date     time.Time
	Index    string
	Type     string
	Counters Counters
}

// Document renders the record in the river statistics layout.
func (s Statistics) Document() map[string]any {
	return map[string]any{
		"statistics": map[string]any{
			"duration":           s.Duration.Milliseconds(),
			"date":               s.Date.UTC(),
			"index":              s.Index,
			"type":               s.Type,
			"documents.inserted": s.Counters.Inserted,
			"documents.updated":  s.Counters.Updated,
			"documents.deleted":  s.Counters.Deleted,
			"documents.total":    s.Counters.Total,
		},
	}
}
