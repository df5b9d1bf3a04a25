package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusReady      = "ready"
	DocumentStatusFailed     = "failed"
)

// Document is owned by the document-management side of the platform. The
// processing core reads its content reference and type and writes only the
// status and extraction fields.
type Document struct {
	ID                    uuid.UUID       `db:"id"                      json:"id"`
	TenantID              uuid.UUID       `db:"tenant_id"               json:"tenant_id"`
	Filename              string          `db:"filename"                json:"filename"`
	FileType              string          `db:"file_type"               json:"file_type"`
	FileSize              int64           `db:"file_size"               json:"file_size"`
	BlobURL               string          `db:"blob_url"                json:"blob_url"`
	Status                string          `db:"status"                  json:"status"`
	TextContent           *string         `db:"text_content"            json:"text_content,omitempty"`
	ExtractedFields       json.RawMessage `db:"extracted_fields"        json:"extracted_fields,omitempty"`
	Classification        *string         `db:"classification"          json:"classification,omitempty"`
	ErrorMessage          *string         `db:"error_message"           json:"error_message,omitempty"`
	Metadata              json.RawMessage `db:"metadata"                json:"metadata,omitempty"`
	ProcessingStartedAt   *time.Time      `db:"processing_started_at"   json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time      `db:"processing_completed_at" json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time       `db:"created_at"              json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"              json:"updated_at"`
}
