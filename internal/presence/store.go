// Package presence derives each user's online/away/offline status from
// session transitions and explicit status changes, and announces every change
// to the people who share a room with that user.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/session"
)

const mirrorTimeout = 2 * time.Second

type Status string

const (
	Online  Status = "ONLINE"
	Away    Status = "AWAY"
	Offline Status = "OFFLINE"
)

type Record struct {
	UserID   int64
	Status   Status
	LastSeen time.Time
}

// Notifier announces a status change to everyone sharing a room with userID.
type Notifier interface {
	StatusChanged(userID int64, status Status)
}

// Mirror copies records to an external store shared with other instances
// and services.
type Mirror interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, userID int64) (Record, error)
}

type Store struct {
	mu       sync.Mutex
	records  map[int64]*entry
	notifier Notifier
	mirror   Mirror
	log      *zap.Logger
	now      func() time.Time
}

type entry struct {
	Record
	epoch uint64
}

func NewStore(notifier Notifier, log *zap.Logger) *Store {
	return &Store{
		records:  make(map[int64]*entry),
		notifier: notifier,
		log:      log.With(zap.String("component", "presence")),
		now:      time.Now,
	}
}

// WithMirror enables copying every change to m.
func (s *Store) WithMirror(m Mirror) *Store {
	s.mirror = m
	return s
}

// OnSessionChange applies a registry transition. Transitions older than the
// last one applied for the user are dropped, so a late "offline" can never
// override a newer "online".
func (s *Store) OnSessionChange(tr *session.Transition) {
	if tr == nil {
		return
	}

	s.mu.Lock()
	e, ok := s.records[tr.UserID]
	if !ok {
		e = &entry{Record: Record{UserID: tr.UserID, Status: Offline}}
		s.records[tr.UserID] = e
	}
	if tr.Epoch <= e.epoch {
		s.mu.Unlock()
		s.log.Debug("stale session transition dropped",
			zap.Int64("user_id", tr.UserID), zap.Uint64("epoch", tr.Epoch))
		return
	}
	e.epoch = tr.Epoch
	e.LastSeen = tr.At

	next := Offline
	if tr.Online {
		next = Online
	}
	if e.Status == next {
		s.mu.Unlock()
		return
	}
	e.Status = next
	rec := e.Record
	s.notify(rec)
	s.mu.Unlock()

	s.mirrorSave(rec)
}

// SetStatus toggles between ONLINE and AWAY for a connected user.
func (s *Store) SetStatus(userID int64, status Status) (Record, error) {
	if status != Online && status != Away {
		return Record{}, apperr.Validation("status must be ONLINE or AWAY")
	}

	s.mu.Lock()
	e, ok := s.records[userID]
	if !ok || e.Status == Offline {
		s.mu.Unlock()
		return Record{}, apperr.Validation("user is not connected")
	}
	e.LastSeen = s.now()
	changed := e.Status != status
	e.Status = status
	rec := e.Record
	if changed {
		s.notify(rec)
	}
	s.mu.Unlock()

	if changed {
		s.mirrorSave(rec)
	}
	return rec, nil
}

// Touch refreshes LastSeen on inbound activity without announcing anything.
func (s *Store) Touch(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[userID]; ok {
		e.LastSeen = s.now()
	}
}

// Get returns the record of userID; unknown users are OFFLINE.
func (s *Store) Get(userID int64) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[userID]; ok {
		return e.Record
	}
	return Record{UserID: userID, Status: Offline}
}

// Lookup is Get for users that may be connected to another instance: when
// this instance sees userID offline, the newer of the local and mirrored
// records wins. Mirror errors fall back to the local record.
func (s *Store) Lookup(ctx context.Context, userID int64) Record {
	rec := s.Get(userID)
	if rec.Status != Offline || s.mirror == nil {
		return rec
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	mirrored, err := s.mirror.Load(ctx, userID)
	if err != nil {
		s.log.Warn("presence mirror lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return rec
	}
	if mirrored.LastSeen.Before(rec.LastSeen) {
		return rec
	}
	return mirrored
}

// notify runs under s.mu so announcements leave in the same order as the
// changes were applied.
func (s *Store) notify(rec Record) {
	s.log.Info("presence changed", zap.Int64("user_id", rec.UserID), zap.String("status", string(rec.Status)))
	if s.notifier != nil {
		s.notifier.StatusChanged(rec.UserID, rec.Status)
	}
}

func (s *Store) mirrorSave(rec Record) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.Save(ctx, rec); err != nil {
		s.log.Warn("presence mirror failed", zap.Int64("user_id", rec.UserID), zap.Error(err))
	}
}
