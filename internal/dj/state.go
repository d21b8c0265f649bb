/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package dj

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// BrainState is the singleton row of host counters and cooldown stamps.
type BrainState struct {
	ID             uint `gorm:"primaryKey"`
	SongsSinceTalk int
	LastTalkAt     time.Time
	LastIntroAt    time.Time
	LastOutroAt    time.Time
	LastSlotCheck  time.Time
	SongsPlayed    int64
	TalkBreaks     int64
	IntrosPlayed   int64
	OutrosPlayed   int64
	UpdatedAt      time.Time
}

// PlayHistoryEntry records one aired song.
type PlayHistoryEntry struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	Path     string `gorm:"index"`
	Title    string
	Artist   string
	Slug     string
	PlayedAt time.Time `gorm:"index"`
}

// TicklerRecord persists one backlog entry across restarts.
type TicklerRecord struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Kind      string `gorm:"type:varchar(32)"`
	Slug      string
	Title     string
	Artist    string
	Slot      string
	Script    string `gorm:"type:text"`
	Attempts  int
	Position  int `gorm:"index"`
	CreatedAt time.Time
}

// Snapshot is the full persisted view of the brain: counters, the recent
// play history (most recent first), and the tickler backlog in order.
type Snapshot struct {
	State   BrainState
	History []PlayHistoryEntry
	Backlog []Tickler
}

// historyKeep bounds how many aired songs the store retains.
const historyKeep = 200

// Store reads and writes brain snapshots through gorm.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore migrates the brain tables and returns a store.
func NewStore(db *gorm.DB, logger zerolog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&BrainState{}, &PlayHistoryEntry{}, &TicklerRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Load fetches the persisted snapshot. A database that has never been
// written yields an empty snapshot, not an error.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	err := s.db.WithContext(ctx).First(&snap.State, 1).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, err
	}

	err = s.db.WithContext(ctx).
		Order("played_at DESC").
		Limit(historyKeep).
		Find(&snap.History).Error
	if err != nil {
		return Snapshot{}, err
	}

	var records []TicklerRecord
	if err := s.db.WithContext(ctx).Order("position").Find(&records).Error; err != nil {
		return Snapshot{}, err
	}
	for _, r := range records {
		snap.Backlog = append(snap.Backlog, Tickler{
			ID:       r.ID,
			Kind:     TicklerKind(r.Kind),
			Slug:     r.Slug,
			Title:    r.Title,
			Artist:   r.Artist,
			Slot:     r.Slot,
			Script:   r.Script,
			Attempts: r.Attempts,
		})
	}
	return snap, nil
}

// Save replaces the persisted snapshot in one transaction.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	history := snap.History
	if len(history) > historyKeep {
		history = history[:historyKeep]
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap.State.ID = 1
		if err := tx.Save(&snap.State).Error; err != nil {
			return err
		}

		if err := tx.Where("1 = 1").Delete(&PlayHistoryEntry{}).Error; err != nil {
			return err
		}
		if len(history) > 0 {
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("1 = 1").Delete(&TicklerRecord{}).Error; err != nil {
			return err
		}
		if len(snap.Backlog) > 0 {
			records := make([]TicklerRecord, len(snap.Backlog))
			for i, t := range snap.Backlog {
				records[i] = TicklerRecord{
					ID:       t.ID,
					Kind:     string(t.Kind),
					Slug:     t.Slug,
					Title:    t.Title,
					Artist:   t.Artist,
					Slot:     t.Slot,
					Script:   t.Script,
					Attempts: t.Attempts,
					Position: i,
				}
			}
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
