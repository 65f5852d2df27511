package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"authguard/internal/blocker"
)

// Archiver writes retired block records as gzipped JSON objects, keyed
// by expiry date so a bucket lifecycle rule can age them out. It
// implements blocker.Archiver.
type Archiver struct {
	client *Client
}

var _ blocker.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver on top of an S3 client.
func NewArchiver(client *Client) *Archiver {
	return &Archiver{client: client}
}

// Archive uploads one retired record. Object keys are
// blocks/<yyyy>/<mm>/<dd>/<ip>-v<version>.json.gz.
func (a *Archiver) Archive(ctx context.Context, record *blocker.BlockRecord) error {
	body, err := encodeRecord(record)
	if err != nil {
		return fmt.Errorf("s3: encode record for %s: %w", record.IP, err)
	}

	key := fmt.Sprintf("blocks/%s/%s-v%d.json.gz",
		record.ExpiresAt.UTC().Format("2006/01/02"),
		record.IP,
		record.Version,
	)

	if err := a.client.Upload(ctx, key, "application/gzip", bytes.NewReader(body)); err != nil {
		return err
	}
	a.client.addBytes(int64(len(body)))

	slog.Debug("block record archived", "ip", record.IP, "key", key, "bytes", len(body))
	return nil
}

func encodeRecord(record *blocker.BlockRecord) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(record); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
