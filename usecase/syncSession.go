package usecase

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

var sessionLifetimeTimer = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:      "sync_session_lifetime",
	Help:      "A histogram for sync session open-to-finish duration (s)",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	Subsystem: "studysync",
	Namespace: "studykit",
})

// SyncManager drives the sync session lifecycle: open, upload, download, finish.
type SyncManager struct {
	repository       SyncRepository
	logger           *log.Logger
	statsRegenerator *Regenerator
}

func NewSyncManager(logger *log.Logger, repository SyncRepository, statsRegenerator *Regenerator) *SyncManager {
	return &SyncManager{
		repository:       repository,
		logger:           logger,
		statsRegenerator: statsRegenerator,
	}
}

// OpenSession starts a new sync session for the user. Any session left
// unfinished, whatever its age, is treated as abandoned: its uploaded
// records and download markers are discarded before the new session is
// created, so a retried sync always starts from a clean slate.
func (m *SyncManager) OpenSession(ctx context.Context, traceID string, userID primitive.ObjectID) (*schema.SyncSession, *common.DetailedError) {
	abandoned, err := m.repository.FindOpenSessions(ctx, userID)
	if err != nil {
		return nil, detailed(errorRunningQuery, "OpenSession", userID.Hex(), traceID, err.Error())
	}
	for _, session := range abandoned {
		m.logger.Printf("discarding abandoned sync session %s user=[%s] traceID=[%s]", session.ID.Hex(), userID.Hex(), traceID)
		if err = m.repository.DiscardSessionData(ctx, session.ID); err != nil {
			return nil, detailed(errorRunningQuery, "OpenSession", userID.Hex(), traceID, err.Error())
		}
	}
	if len(abandoned) > 0 {
		if err = m.repository.RemoveOpenSessions(ctx, userID); err != nil {
			return nil, detailed(errorRunningQuery, "OpenSession", userID.Hex(), traceID, err.Error())
		}
	}

	session, err := m.repository.CreateSession(ctx, userID)
	if err != nil {
		if errors.Is(err, schema.ErrOpenSessionExists) {
			// another device opened a session between the cleanup and the insert
			return nil, detailed(errorOpenConflict, "OpenSession", userID.Hex(), traceID, err.Error())
		}
		return nil, detailed(errorRunningQuery, "OpenSession", userID.Hex(), traceID, err.Error())
	}
	return session, nil
}

// FinishSession closes the session and promotes its provisional download
// markers, making the records sent during the session count as delivered
// for future incremental syncs.
func (m *SyncManager) FinishSession(ctx context.Context, traceID string, userID primitive.ObjectID, sessionID string) (*schema.SyncSession, *common.DetailedError) {
	session, detailedErr := m.validateSession(ctx, traceID, userID, sessionID)
	if detailedErr != nil {
		return nil, detailedErr
	}

	finishTime := time.Now().UTC()
	if err := m.repository.MarkSessionFinished(ctx, session.ID, finishTime); err != nil {
		return nil, detailed(errorRunningQuery, "FinishSession", userID.Hex(), traceID, err.Error())
	}
	if err := m.repository.PromoteDownloadMarkers(ctx, session.ID); err != nil {
		return nil, detailed(errorRunningQuery, "FinishSession", userID.Hex(), traceID, err.Error())
	}
	sessionLifetimeTimer.Observe(finishTime.Sub(session.StartTime).Seconds())
	session.FinishTime = &finishTime

	if m.statsRegenerator != nil {
		m.statsRegenerator.Request()
	}
	return session, nil
}

// validateSession resolves the session id and checks it is usable by the
// given user. A malformed or unknown id is reported the same way so the
// response does not leak which session ids exist.
func (m *SyncManager) validateSession(ctx context.Context, traceID string, userID primitive.ObjectID, sessionID string) (*schema.SyncSession, *common.DetailedError) {
	sid, err := primitive.ObjectIDFromHex(sessionID)
	if err != nil {
		return nil, detailed(errorSessionNotFound, "validateSession", userID.Hex(), traceID, err.Error())
	}
	session, err := m.repository.GetSession(ctx, traceID, sid)
	if err != nil {
		return nil, detailed(errorRunningQuery, "validateSession", userID.Hex(), traceID, err.Error())
	}
	if session == nil {
		return nil, detailed(errorSessionNotFound, "validateSession", userID.Hex(), traceID, "no session with id "+sessionID)
	}
	if session.IsFinished() {
		return nil, detailed(errorSessionFinished, "validateSession", userID.Hex(), traceID, "session "+sessionID+" is finished")
	}
	if session.UserID != userID {
		return nil, detailed(errorSessionOwner, "validateSession", userID.Hex(), traceID, "session "+sessionID+" belongs to "+session.UserID.Hex())
	}
	return session, nil
}
