package storage

import (
	"context"
	"time"

	"authguard/internal/blocker"
)

// BlockStore persists block records so blocks survive a restart. Every
// state change is inserted as a new row; ReplacingMergeTree collapses
// them to the highest version per IP.
type BlockStore struct {
	client *ClickHouseClient
}

var _ blocker.RecordStore = (*BlockStore)(nil)

// NewBlockStore creates a BlockStore on top of an open client.
func NewBlockStore(client *ClickHouseClient) *BlockStore {
	return &BlockStore{client: client}
}

// Save writes the current state of a block record.
func (s *BlockStore) Save(ctx context.Context, record *blocker.BlockRecord) error {
	err := s.client.Exec(ctx, `
		INSERT INTO block_records (
			ip, reason, source, severity,
			created_at, expires_at, active, enforced, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.IP,
		record.Reason,
		record.Source,
		string(record.Severity),
		record.CreatedAt,
		record.ExpiresAt,
		boolToUint8(record.Active),
		boolToUint8(record.Enforced),
		record.Version,
	)
	if err != nil {
		return WrapQueryError("Save", "block_records", err)
	}
	return nil
}

// LoadActive returns the latest version of every record that is still
// active and unexpired.
func (s *BlockStore) LoadActive(ctx context.Context) ([]*blocker.BlockRecord, error) {
	rows, err := s.client.Query(ctx, `
		SELECT ip, reason, source, severity,
		       created_at, expires_at, active, enforced, version
		FROM block_records FINAL
		WHERE active = 1 AND expires_at > now()
	`)
	if err != nil {
		return nil, WrapQueryError("LoadActive", "block_records", err)
	}
	defer rows.Close()

	var records []*blocker.BlockRecord
	for rows.Next() {
		var (
			rec              blocker.BlockRecord
			severity         string
			active, enforced uint8
			created, expires time.Time
		)
		if err := rows.Scan(
			&rec.IP, &rec.Reason, &rec.Source, &severity,
			&created, &expires, &active, &enforced, &rec.Version,
		); err != nil {
			return nil, WrapQueryError("LoadActive", "block_records", err)
		}
		rec.Severity = blocker.Severity(severity)
		rec.CreatedAt = created
		rec.ExpiresAt = expires
		rec.Active = active == 1
		rec.Enforced = enforced == 1
		records = append(records, &rec)
	}

	return records, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
