package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrGPSinkEntryNotFound = errors.New("gp sink entry not found")

// GPSinkEntry is the persisted record of a Green Power device paired to
// this sink (SPEC_FULL.md §3 "Sink table entry"): the GPD's source ID and
// link key, the security frame counter supplied at pairing (not updated
// from received frames), the packed pairing
// options bitfield, and the exact ezspGpProxyTableProcessGpPairing
// parameter bytes last sent to the NCP — kept so a pairing can be replayed
// against the NCP after a process restart without the operator re-running
// commissioning.
type GPSinkEntry struct {
	SourceID             uint32
	DeviceKey            [16]byte
	SecurityFrameCounter uint32
	Options              uint32
	PairingParams        []byte
	CreatedAt            time.Time
}

// GPSinkEntryStore provides CRUD operations for persisted GP pairings.
type GPSinkEntryStore interface {
	List(ctx context.Context) ([]*GPSinkEntry, error)
	Get(ctx context.Context, sourceID uint32) (*GPSinkEntry, error)
	Upsert(ctx context.Context, e *GPSinkEntry) error
	Delete(ctx context.Context, sourceID uint32) error
}

// GPSinkEntries returns a GPSinkEntryStore for this database.
func (db *DB) GPSinkEntries() GPSinkEntryStore {
	return &gpSinkEntryStore{db: db}
}

type gpSinkEntryStore struct {
	db *DB
}

func scanGPSinkEntry(row interface {
	Scan(dest ...any) error
}) (*GPSinkEntry, error) {
	e := &GPSinkEntry{}
	var key []byte
	var createdAt string
	if err := row.Scan(&e.SourceID, &key, &e.SecurityFrameCounter, &e.Options, &e.PairingParams, &createdAt); err != nil {
		return nil, err
	}
	copy(e.DeviceKey[:], key)
	e.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	return e, nil
}

func (s *gpSinkEntryStore) List(ctx context.Context) ([]*GPSinkEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, device_key, security_frame_counter, options, pairing_params, created_at
		FROM gp_sink_entries ORDER BY source_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*GPSinkEntry
	for rows.Next() {
		e, err := scanGPSinkEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *gpSinkEntryStore) Get(ctx context.Context, sourceID uint32) (*GPSinkEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, device_key, security_frame_counter, options, pairing_params, created_at
		FROM gp_sink_entries WHERE source_id = ?
	`, sourceID)
	e, err := scanGPSinkEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrGPSinkEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *gpSinkEntryStore) Upsert(ctx context.Context, e *GPSinkEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gp_sink_entries (source_id, device_key, security_frame_counter, options, pairing_params)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			device_key = excluded.device_key,
			security_frame_counter = excluded.security_frame_counter,
			options = excluded.options,
			pairing_params = excluded.pairing_params
	`, e.SourceID, e.DeviceKey[:], e.SecurityFrameCounter, e.Options, e.PairingParams)
	if err != nil {
		return fmt.Errorf("failed to upsert gp sink entry: %w", err)
	}
	return nil
}

func (s *gpSinkEntryStore) Delete(ctx context.Context, sourceID uint32) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM gp_sink_entries WHERE source_id = ?`, sourceID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGPSinkEntryNotFound
	}
	return nil
}
