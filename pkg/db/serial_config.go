package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrSerialConfigNotFound = errors.New("serial config not found")

// defaultSerialPort is used when no serial config row exists yet for a
// profile — the real port path is almost always overridden by the -port
// flag or a later Update once the operator identifies their dongle.
const defaultSerialPort = "/dev/ttyUSB0"

// SerialConfig represents the Zigbee NCP serial port selection for a
// profile. The baud rate is not persisted here: EZSP/ASH is specified at a
// fixed 57600 8-N-1 (see pkg/zigbee/serial.go's ashBaudRate), so there is
// nothing to select.
type SerialConfig struct {
	ID        int64
	ProfileID int64
	Port      string
}

// SerialConfigStore provides serial port config CRUD operations.
type SerialConfigStore interface {
	Get(ctx context.Context, profileID int64) (*SerialConfig, error)
	Create(ctx context.Context, s *SerialConfig) error
	Update(ctx context.Context, s *SerialConfig) error
	Delete(ctx context.Context, profileID int64) error
}

// SerialConfigs returns a SerialConfigStore for this database.
func (db *DB) SerialConfigs() SerialConfigStore {
	return &serialConfigStore{db: db}
}

type serialConfigStore struct {
	db *DB
}

func (s *serialConfigStore) Get(ctx context.Context, profileID int64) (*SerialConfig, error) {
	c := &SerialConfig{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, port
		FROM serial_configs WHERE profile_id = ?
	`, profileID).Scan(&c.ID, &c.ProfileID, &c.Port)
	if err == sql.ErrNoRows {
		return nil, ErrSerialConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *serialConfigStore) Create(ctx context.Context, c *SerialConfig) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO serial_configs (profile_id, port)
		VALUES (?, ?)
	`, c.ProfileID, c.Port)
	if err != nil {
		return fmt.Errorf("failed to create serial config: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (s *serialConfigStore) Update(ctx context.Context, c *SerialConfig) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE serial_configs SET port = ?
		WHERE profile_id = ?
	`, c.Port, c.ProfileID)
	return err
}

func (s *serialConfigStore) Delete(ctx context.Context, profileID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM serial_configs WHERE profile_id = ?`, profileID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSerialConfigNotFound
	}
	return nil
}
