// Package archive exports aged audit rows and oplog segments to an
// S3-compatible bucket as newline-delimited JSON. Archiving is a cold
// path: it runs on a ticker, tolerates every failure by retrying on the
// next tick, and the server is fully functional without it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/minio/minio-go/v7"

	"github.com/dokanhq/dokansync/domain"
)

// Archiver periodically drains old rows to object storage.
type Archiver struct {
	db       *sqlx.DB
	client   *minio.Client
	bucket   string
	interval time.Duration
	after    time.Duration
}

func New(db *sqlx.DB, client *minio.Client, bucket string, interval, after time.Duration) *Archiver {
	return &Archiver{db: db, client: client, bucket: bucket, interval: interval, after: after}
}

// Run archives on every tick until ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				log.Printf("archive: %v", err)
			}
		}
	}
}

// RunOnce archives one pass over every tenant.
func (a *Archiver) RunOnce(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}

	var tenants []string
	if err := a.db.Select(&tenants, `SELECT id FROM businesses`); err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	cutoff := time.Now().Add(-a.after).UnixMilli()
	for _, tenant := range tenants {
		if err := a.archiveAudit(ctx, tenant, cutoff); err != nil {
			log.Printf("archive: audit for %s: %v", tenant, err)
		}
		if err := a.archiveOps(ctx, tenant, cutoff); err != nil {
			log.Printf("archive: oplog for %s: %v", tenant, err)
		}
	}
	return nil
}

// archiveAudit exports unarchived audit rows older than the cutoff and
// marks them, so each row is uploaded exactly once.
func (a *Archiver) archiveAudit(ctx context.Context, tenant string, cutoffMs int64) error {
	var rows []domain.AuditLog
	err := a.db.Select(&rows, `SELECT id, business_id, user_id, device_id, entity, entity_id,
            action, old_value, new_value, archived, created_ms
        FROM audit_log
        WHERE business_id = $1 AND archived = FALSE AND created_ms < $2
        ORDER BY created_ms`, tenant, cutoffMs)
	if err != nil {
		return fmt.Errorf("select audit rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	key := fmt.Sprintf("audit/%s/%s.ndjson", tenant, time.Now().UTC().Format("2006-01-02T15-04-05"))
	if err := a.upload(ctx, key, rows); err != nil {
		return err
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	query, args, err := sqlx.In(`UPDATE audit_log SET archived = TRUE WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("prepare archive mark: %w", err)
	}
	if _, err := a.db.Exec(a.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	log.Printf("archive: uploaded %d audit rows for %s to %s", len(rows), tenant, key)
	return nil
}

// archiveOps exports log segments past an export cursor. Ops are only
// copied out, never deleted, since devices may still pull them.
func (a *Archiver) archiveOps(ctx context.Context, tenant string, cutoffMs int64) error {
	var cursor int64
	err := a.db.Get(&cursor, `SELECT COALESCE((SELECT seq FROM archive_cursors WHERE business_id = $1), 0)`, tenant)
	if err != nil {
		return fmt.Errorf("read archive cursor: %w", err)
	}

	var ops []domain.Op
	err = a.db.Select(&ops, `SELECT business_id, server_seq, op_id, device_id, entity, entity_id,
            action, hlc, vclock, status, applied_ms
        FROM oplog
        WHERE business_id = $1 AND server_seq > $2 AND applied_ms < $3
        ORDER BY server_seq`, tenant, cursor, cutoffMs)
	if err != nil {
		return fmt.Errorf("select ops: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	last := ops[len(ops)-1].ServerSeq
	key := fmt.Sprintf("oplog/%s/%012d-%012d.ndjson", tenant, cursor+1, last)
	if err := a.upload(ctx, key, ops); err != nil {
		return err
	}
	if _, err := a.db.Exec(`INSERT INTO archive_cursors (business_id, seq) VALUES ($1, $2)
        ON CONFLICT (business_id) DO UPDATE SET seq = excluded.seq`, tenant, last); err != nil {
		return fmt.Errorf("advance archive cursor: %w", err)
	}
	log.Printf("archive: uploaded ops %d..%d for %s to %s", cursor+1, last, tenant, key)
	return nil
}

// upload writes a slice as NDJSON to the bucket.
func (a *Archiver) upload(ctx context.Context, key string, rows any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	switch typed := rows.(type) {
	case []domain.AuditLog:
		for _, row := range typed {
			if err := enc.Encode(row); err != nil {
				return fmt.Errorf("encode archive row: %w", err)
			}
		}
	case []domain.Op:
		for _, row := range typed {
			if err := enc.Encode(row); err != nil {
				return fmt.Errorf("encode archive row: %w", err)
			}
		}
	default:
		return fmt.Errorf("unsupported archive payload %T", rows)
	}

	_, err := a.client.PutObject(ctx, a.bucket, key, &buf, int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
