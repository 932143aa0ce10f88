package schema

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// SessionCounters are the per-kind running counters of one session.
	// They are only ever mutated through atomic storage increments so
	// concurrent uploads against the same session stay additive.
	SessionCounters struct {
		NumAdded    int64 `bson:"num_added" json:"num_added"`
		NumModified int64 `bson:"num_modified" json:"num_modified"`
		NumDeleted  int64 `bson:"num_deleted" json:"num_deleted"`
	}

	// SyncSession is one open or finished client synchronization round.
	// FinishTime is explicitly null while open: the partial unique
	// index on (user_id, finish_time null) relies on the field being
	// present.
	SyncSession struct {
		ID         primitive.ObjectID         `bson:"_id,omitempty" json:"sync_id"`
		UserID     primitive.ObjectID         `bson:"user_id" json:"-"`
		StartTime  time.Time                  `bson:"start_time" json:"start_time"`
		FinishTime *time.Time                 `bson:"finish_time" json:"finish_time,omitempty"`
		Counters   map[string]SessionCounters `bson:"counters,omitempty" json:"counters,omitempty"`
	}
)

// IsFinished reports whether the session was already closed
func (s *SyncSession) IsFinished() bool {
	return s.FinishTime != nil
}

// CountersFor returns the counters recorded for one dataset kind
func (s *SyncSession) CountersFor(kind DataKind) SessionCounters {
	if s.Counters == nil {
		return SessionCounters{}
	}
	return s.Counters[string(kind)]
}
