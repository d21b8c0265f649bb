/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"errors"
	"time"

	"github.com/friendsincode/skald/internal/telemetry"
	"gorm.io/gorm"
)

const _startTime = "gorm:start_time"

// RegisterCallbacks hooks query timing metrics into every CRUD operation.
func RegisterCallbacks(database *gorm.DB) error {
	cb := database.Callback()

	if err := cb.Create().Before("gorm:create").Register("metrics:before_create", markStart); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("metrics:after_create", observe("create")); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("metrics:before_query", markStart); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("metrics:after_query", observe("query")); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("metrics:before_update", markStart); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("metrics:after_update", observe("update")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("metrics:before_delete", markStart); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("metrics:after_delete", observe("delete")); err != nil {
		return err
	}

	return nil
}

func markStart(database *gorm.DB) {
	database.InstanceSet(_startTime, time.Now())
}

// observe returns the after-callback for one operation kind. A missing
// record is not an error for metric purposes.
func observe(operation string) func(*gorm.DB) {
	return func(database *gorm.DB) {
		startValue, exists := database.InstanceGet(_startTime)
		if !exists {
			return
		}
		start, ok := startValue.(time.Time)
		if !ok {
			return
		}

		telemetry.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

		status := "ok"
		if database.Error != nil && !errors.Is(database.Error, gorm.ErrRecordNotFound) {
			status = "error"
		}
		telemetry.DBQueriesTotal.WithLabelValues(operation, status).Inc()
	}
}
