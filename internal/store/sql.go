/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/autojoin/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQL keeps one scope in the kv_entries table.
type SQL struct {
	db    *gorm.DB
	scope Scope
}

// NewSQL wraps an already migrated database.
func NewSQL(database *gorm.DB, scope Scope) *SQL {
	return &SQL{db: database, scope: scope}
}

func (s *SQL) where(key string) map[string]any {
	return map[string]any{"scope": string(s.scope), "key": key}
}

func (s *SQL) Get(ctx context.Context, key string, dest any) (bool, error) {
	var entry db.KVEntry
	err := s.db.WithContext(ctx).Where(s.where(key)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", s.scope, key, err)
	}
	return true, decode(key, entry.Value, dest)
}

func (s *SQL) Set(ctx context.Context, key string, value any) error {
	data, err := encode(key, value)
	if err != nil {
		return err
	}
	entry := db.KVEntry{Scope: string(s.scope), Key: key, Value: data, UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", s.scope, key, err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where(s.where(key)).Delete(&db.KVEntry{}).Error; err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.scope, key, err)
	}
	return nil
}
