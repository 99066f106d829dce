// Package history persists completed analyses so past results can be
// listed and replayed without re-running the engine.
package history

import (
	"fmt"
	"time"

	"github.com/kifulab/usibridge/internal/usi"
)

// Record is one persisted analysis.
type Record struct {
	ID        int64              `json:"id"`
	GUID      string             `json:"guid"`
	Position  string             `json:"position"`
	Moves     string             `json:"moves,omitempty"`
	Waittime  *int               `json:"waittime,omitempty"`
	Depth     *int               `json:"depth,omitempty"`
	Nodes     *int               `json:"nodes,omitempty"`
	Result    usi.AnalysisResult `json:"result"`
	CreatedAt time.Time          `json:"created_at"`
}

// ListFilter narrows List results.
type ListFilter struct {
	// Position, when non-empty, restricts to analyses of that position.
	Position string
	// Limit caps the number of rows; zero means the default of 50.
	Limit int
	// Offset skips rows for paging.
	Offset int
}

// Repository stores analysis records.
type Repository interface {
	Save(record *Record) error
	FindByGUID(guid string) (*Record, error)
	List(filter ListFilter) ([]*Record, error)
	DeleteOlderThan(cutoff time.Time) (int64, error)
	Close() error
}

// NotFoundError reports a lookup for a record that does not exist.
type NotFoundError struct {
	GUID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("analysis record %s not found", e.GUID)
}
