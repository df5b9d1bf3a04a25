package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/docworker/pkg/models"
)

// --- Documents ---

// CreateDocument inserts a document record. Upload and registration belong
// to the document service; the queue only needs rows to point jobs at.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	now, err := s.now(ctx, s.pool)
	if err != nil {
		return err
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusPending
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = doc.CreatedAt

	var metadata []byte
	if len(doc.Metadata) > 0 {
		metadata = doc.Metadata
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, tenant_id, filename, file_type, file_size, blob_url, status,
		   metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.TenantID, doc.Filename, doc.FileType, doc.FileSize, doc.BlobURL, doc.Status,
		metadata, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var (
		d                models.Document
		fields, metadata []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, filename, file_type, file_size, blob_url, status, text_content,
		   extracted_fields, classification, error_message, metadata, processing_started_at,
		   processing_completed_at, created_at, updated_at
		 FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.TenantID, &d.Filename, &d.FileType, &d.FileSize, &d.BlobURL, &d.Status,
		&d.TextContent, &fields, &d.Classification, &d.ErrorMessage, &metadata,
		&d.ProcessingStartedAt, &d.ProcessingCompletedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if fields != nil {
		d.ExtractedFields = json.RawMessage(fields)
	}
	if metadata != nil {
		d.Metadata = json.RawMessage(metadata)
	}
	return &d, nil
}

// applyExtractionResult writes a successful result onto the document. Only
// called inside the transaction that completed the owning job's lease.
func applyExtractionResult(ctx context.Context, tx pgx.Tx, documentID uuid.UUID, result *models.JobResult, fields []byte, now time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE documents SET
		   status = 'ready',
		   text_content = $2,
		   extracted_fields = $3,
		   classification = $4,
		   error_message = NULL,
		   processing_completed_at = $5,
		   updated_at = $5
		 WHERE id = $1`,
		documentID, result.Text, fields, nullString(result.Classification), now)
	if err != nil {
		return fmt.Errorf("apply extraction result: %w", err)
	}
	return nil
}

func markDocumentFailed(ctx context.Context, tx pgx.Tx, documentID uuid.UUID, message *string, now time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE documents SET status = 'failed', error_message = $2,
		   processing_completed_at = $3, updated_at = $3
		 WHERE id = $1`, documentID, message, now)
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	return nil
}

// markDocumentPending returns a document to pending between retries. The
// intermediate error stays on the job only.
func markDocumentPending(ctx context.Context, tx pgx.Tx, documentID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE documents SET status = 'pending', updated_at = $2 WHERE id = $1`, documentID, now)
	if err != nil {
		return fmt.Errorf("mark document pending: %w", err)
	}
	return nil
}

func marshalFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		return nil, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode extracted fields: %w", err)
	}
	return b, nil
}
