/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"github.com/friendsincode/skald/internal/dj"
	"github.com/friendsincode/skald/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		// Control API accounts
		&models.User{},
		&models.APIKey{},

		// DJ brain persistence
		&dj.BrainState{},
		&dj.PlayHistoryEntry{},
		&dj.TicklerRecord{},
	)
}
