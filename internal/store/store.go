// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package store persists serving cell samples and context lifecycle events.
package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/warthog618/ubloxmodem/netmon"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Memory is the path of a database held only in memory.
const Memory = ":memory:"

// CellSample is a serving cell reported by the network monitor.
type CellSample struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"time"`
	Type      string    `json:"type"`
	Operator  string    `json:"operator"`
	MCC       string    `json:"mcc,omitempty"`
	MNC       string    `json:"mnc,omitempty"`

	// Info is keyed by the measurement name.
	Info map[string]int `gorm:"serializer:json" json:"info"`
}

// Context lifecycle events.
const (
	EventActivated           = "activated"
	EventActivationFailed    = "activation-failed"
	EventDeactivated         = "deactivated"
	EventNetworkDeactivation = "network-deactivated"
)

// ContextEvent is a change in the state of a GPRS context.
type ContextEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"time"`
	CID       uint      `gorm:"column:cid;index" json:"cid"`
	Event     string    `json:"event"`
	Address   string    `json:"address,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Store is the event database.
type Store struct {
	db *gorm.DB
}

// Open opens, creating if necessary, the database at path.
func Open(path string) (*Store, error) {
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create store directory")
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer, and each connection to an in-memory
	// database is a separate database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&CellSample{}, &ContextEvent{}); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "migrate store")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordCell adds a serving cell sample.
func (s *Store) RecordCell(c *netmon.ServingCell) error {
	sample := CellSample{
		Type:     c.Type.String(),
		Operator: c.Operator,
		MCC:      c.MCC,
		MNC:      c.MNC,
		Info:     make(map[string]int, len(c.Info)),
	}
	for k, v := range c.Info {
		sample.Info[k.String()] = v
	}
	if err := s.db.Create(&sample).Error; err != nil {
		return errors.Wrap(err, "record cell")
	}
	return nil
}

// RecordContextEvent adds a context event.
func (s *Store) RecordContextEvent(e ContextEvent) error {
	if err := s.db.Create(&e).Error; err != nil {
		return errors.Wrap(err, "record context event")
	}
	return nil
}

// Cells returns the most recent cell samples, newest first.
func (s *Store) Cells(limit int) ([]CellSample, error) {
	var cells []CellSample
	err := s.db.Order("id desc").Limit(limit).Find(&cells).Error
	if err != nil {
		return nil, errors.Wrap(err, "query cells")
	}
	return cells, nil
}

// ContextEvents returns the most recent events, newest first.
//
// If cid is non-zero only the events for that context are returned.
func (s *Store) ContextEvents(cid uint, limit int) ([]ContextEvent, error) {
	var events []ContextEvent
	q := s.db.Order("id desc").Limit(limit)
	if cid != 0 {
		q = q.Where("cid = ?", cid)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "query context events")
	}
	return events, nil
}

// Prune removes samples and events older than the age.
func (s *Store) Prune(age time.Duration) error {
	before := time.Now().Add(-age)
	if err := s.db.Where("created_at < ?", before).Delete(&CellSample{}).Error; err != nil {
		return errors.Wrap(err, "prune cells")
	}
	if err := s.db.Where("created_at < ?", before).Delete(&ContextEvent{}).Error; err != nil {
		return errors.Wrap(err, "prune context events")
	}
	return nil
}
