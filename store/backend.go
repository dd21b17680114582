package store

import (
	"context"
	"errors"
	"time"
)

// Backend errors shared by all implementations.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrBackendClosed  = errors.New("backend closed")
	ErrDuplicateID    = errors.New("duplicate record id")
)

// Op classifies a change-feed notification.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is a single change-feed notification. New carries the row after an
// insert or update; Old carries the row before an update or delete, when the
// backend can supply it.
type Change struct {
	Op  Op
	New *Record
	Old *Record
}

// QueryFilter narrows a backend read. A backend is only required to apply
// ONE discriminator server-side; the Store applies the rest client-side.
type QueryFilter struct {
	Types          []string
	Sources        []string
	Targets        []string
	CorrelationIDs []string
	Since          time.Time
	Until          time.Time
	Processed      *bool
	Limit          int
	Offset         int
}

// DeleteFilter selects records for bulk deletion.
type DeleteFilter struct {
	OlderThan time.Time
	Processed *bool
}

// Patch is a partial record update. Nil fields are left unchanged.
type Patch struct {
	Processed *bool
}

// StatsGroup names a grouping dimension for backend-side counting.
type StatsGroup string

const (
	GroupByType   StatsGroup = "type"
	GroupBySource StatsGroup = "source"
	GroupByDay    StatsGroup = "day"
	GroupByHour   StatsGroup = "hour"
)

// StatsQuery asks the backend for grouped counts over an optional range.
type StatsQuery struct {
	GroupBy StatsGroup
	Since   time.Time
	Until   time.Time
}

// StatsBucket is one grouped-count row.
type StatsBucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Backend is the durable-storage contract the Store depends on. Every method
// must be safe for concurrent use. Watch returns a channel that is closed when
// the context is cancelled or the backend shuts down.
type Backend interface {
	Insert(ctx context.Context, rec *Record) error
	Query(ctx context.Context, f QueryFilter) ([]*Record, error)
	Update(ctx context.Context, id string, p Patch) error
	Delete(ctx context.Context, f DeleteFilter) (int, error)
	Stats(ctx context.Context, q StatsQuery) ([]StatsBucket, error)
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}
