package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/rooneydude/kalshibot/internal/blob/s3"
	"github.com/rooneydude/kalshibot/internal/domain"
)

// Archiver moves historical price snapshots from PostgreSQL to cold object
// storage as gzipped JSONL, one object per UTC day, then prunes the rows it
// shipped.
type Archiver struct {
	snaps  domain.SnapshotStore
	writer *s3blob.Writer
	prefix string
	logger *slog.Logger
}

// NewArchiver creates an Archiver writing under the given key prefix.
func NewArchiver(snaps domain.SnapshotStore, writer *s3blob.Writer, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{
		snaps:  snaps,
		writer: writer,
		prefix: prefix,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// snapshotRow is the archived JSONL record shape.
type snapshotRow struct {
	Ticker      string    `json:"ticker"`
	YesBid      int64     `json:"yes_bid"`
	YesAsk      int64     `json:"yes_ask"`
	NoBid       int64     `json:"no_bid"`
	NoAsk       int64     `json:"no_ask"`
	YesBidDepth int64     `json:"yes_bid_depth"`
	YesAskDepth int64     `json:"yes_ask_depth"`
	ObservedAt  time.Time `json:"observed_at"`
}

// ArchiveDay uploads all snapshots observed on the given UTC day and
// deletes them from the hot store after a successful upload.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) error {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	snaps, err := a.snaps.ListRange(ctx, from, to)
	if err != nil {
		return fmt.Errorf("archiver: list snapshots: %w", err)
	}
	if len(snaps) == 0 {
		a.logger.InfoContext(ctx, "nothing to archive", slog.String("day", from.Format("2006-01-02")))
		return nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, s := range snaps {
		row := snapshotRow{
			Ticker:      s.Ticker,
			YesBid:      s.Quote.YesBid,
			YesAsk:      s.Quote.YesAsk,
			NoBid:       s.Quote.NoBid,
			NoAsk:       s.Quote.NoAsk,
			YesBidDepth: s.Quote.YesBidDepth,
			YesAskDepth: s.Quote.YesAskDepth,
			ObservedAt:  s.ObservedAt,
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("archiver: encode row: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("archiver: close gzip: %w", err)
	}

	key := fmt.Sprintf("%s/%s.jsonl.gz", a.prefix, from.Format("2006-01-02"))
	if err := a.writer.Put(ctx, key, &buf, "application/gzip"); err != nil {
		return fmt.Errorf("archiver: upload %s: %w", key, err)
	}

	if err := a.snaps.DeleteRange(ctx, from, to); err != nil {
		return fmt.Errorf("archiver: prune after upload: %w", err)
	}

	a.logger.InfoContext(ctx, "snapshots archived",
		slog.String("key", key),
		slog.Int("rows", len(snaps)),
	)
	return nil
}
