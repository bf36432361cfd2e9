/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/vidar_player/internal/telemetry"
)

const startTimeKey = "vidar:query_start"

// RegisterCallbacks hooks query timing metrics into every gorm CRUD
// operation. The ledger writes from the orchestrator tick are the hot
// path these exist to watch.
func RegisterCallbacks(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Query().Before("gorm:query").Register("metrics:query_start", startTimer),
		cb.Query().After("gorm:query").Register("metrics:query_done", observe("query")),
		cb.Create().Before("gorm:create").Register("metrics:create_start", startTimer),
		cb.Create().After("gorm:create").Register("metrics:create_done", observe("create")),
		cb.Update().Before("gorm:update").Register("metrics:update_start", startTimer),
		cb.Update().After("gorm:update").Register("metrics:update_done", observe("update")),
		cb.Delete().Before("gorm:delete").Register("metrics:delete_start", startTimer),
		cb.Delete().After("gorm:delete").Register("metrics:delete_done", observe("delete")),
	)
}

func startTimer(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

// observe builds the after-hook for one operation: duration histogram
// plus an error counter, keyed by table.
func observe(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		value, ok := db.InstanceGet(startTimeKey)
		if !ok {
			return
		}
		started, ok := value.(time.Time)
		if !ok {
			return
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(started).Seconds())

		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, "query_error").Inc()
		}
	}
}

// UpdateConnectionMetrics refreshes the connection pool gauge. Called on
// a slow ticker from the serve loop.
func UpdateConnectionMetrics(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	telemetry.DatabaseConnectionsActive.Set(float64(sqlDB.Stats().OpenConnections))
}
