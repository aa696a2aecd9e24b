// Package deadletter durably archives jobs whose final attempt failed,
// beyond the in-memory keep_failed ring (spec.md §4.3's "payload is lost
// from the queue's perspective" still holds for JobQueue itself; this is a
// purely additive side-channel per the expanded spec). The pgxpool query
// style follows the teacher's internal/webapp/record package.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/gpsgateway/internal/idgen"
	"nuha.dev/gpsgateway/internal/queue"
)

// Archive records dead-lettered jobs to Postgres and, if an S3Uploader was
// configured, additionally uploads the raw payload for cold storage.
type Archive struct {
	db       *pgxpool.Pool
	table    string
	ids      *idgen.Generator
	uploader *S3Uploader
	log      log.Logger
}

// New builds an Archive writing to table (created by EnsureSchema).
// uploader may be nil, matching deadletter_s3_bucket being unset.
func New(db *pgxpool.Pool, table string, uploader *S3Uploader) *Archive {
	a := &Archive{db: db, table: table, ids: idgen.New(1), uploader: uploader}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "deadletter").Value()
	return a
}

// EnsureSchema creates the archive table if it doesn't already exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			queue_name   TEXT NOT NULL,
			batch_id     TEXT NOT NULL,
			attempts     INT NOT NULL,
			last_error   TEXT NOT NULL,
			payload      JSONB NOT NULL,
			archived_at  TIMESTAMPTZ NOT NULL
		)`, a.table))
	if err != nil {
		return fmt.Errorf("deadletter: ensure schema: %w", err)
	}
	return nil
}

// Record implements queue.DeadLetterSink: it inserts one archive row and,
// if an uploader is configured, best-effort uploads the payload to S3.
func (a *Archive) Record(ctx context.Context, queueName queue.Name, batchID string, payload []byte, attempts int, lastErr string) error {
	id := a.ids.DeadLetterID(time.Now().UnixNano())
	_, err := a.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, queue_name, batch_id, attempts, last_error, payload, archived_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`, a.table),
		id, string(queueName), batchID, attempts, lastErr, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert %s: %w", batchID, err)
	}

	if a.uploader != nil {
		go func() {
			key := fmt.Sprintf("%s/%s/%s.json", queueName, batchID, id)
			if err := a.uploader.Upload(context.Background(), key, payload); err != nil {
				a.log.Error().Err(err).Str("batch_id", batchID).Msg("s3 dead-letter upload failed")
			}
		}()
	}
	return nil
}
