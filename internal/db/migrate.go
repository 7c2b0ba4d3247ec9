/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// KVEntry is one JSON value in a key-value scope.
type KVEntry struct {
	Scope     string `gorm:"primaryKey;size:32"`
	Key       string `gorm:"primaryKey;size:191"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name across dialects.
func (KVEntry) TableName() string { return "kv_entries" }

// Migrate applies the schema.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(&KVEntry{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
