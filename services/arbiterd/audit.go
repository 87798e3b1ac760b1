package arbiterd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"
)

const headerIdempotencyKey = "Idempotency-Key"

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// IdempotencyRecord caches the response of a keyed mutating request.
type IdempotencyRecord struct {
	Actor       string `gorm:"primaryKey;size:64"`
	Key         string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:64"`
	Status      int
	Body        []byte
	CreatedAt   time.Time
}

// AuditEntry is one line of the mutating request audit trail.
type AuditEntry struct {
	ID          uint   `gorm:"primaryKey"`
	Actor       string `gorm:"size:64;index"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:256"`
	RequestHash string `gorm:"size:64"`
	Status      int
	Error       string    `gorm:"size:64"`
	OccurredAt  time.Time `gorm:"index"`
}

// RequestDigest returns the hex blake3 digest of a request body.
func RequestDigest(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// AuditLog persists idempotency records and the audit trail next to the
// claim requests.
type AuditLog struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewAuditLog migrates the audit tables on db.
func NewAuditLog(db *gorm.DB) (*AuditLog, error) {
	if err := db.AutoMigrate(&IdempotencyRecord{}, &AuditEntry{}); err != nil {
		return nil, err
	}
	return &AuditLog{db: db, nowFn: time.Now}, nil
}

// LookupIdempotency returns the cached response for key, nil when the key is
// new, or ErrIdempotencyMismatch when the body differs.
func (a *AuditLog) LookupIdempotency(ctx context.Context, actor, key, requestHash string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := a.db.WithContext(ctx).First(&record, "actor = ? AND key = ?", actor, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &record, nil
}

// SaveIdempotency stores the response for key. The first write wins.
func (a *AuditLog) SaveIdempotency(ctx context.Context, actor, key, requestHash string, status int, body []byte) error {
	record := IdempotencyRecord{
		Actor:       actor,
		Key:         key,
		RequestHash: requestHash,
		Status:      status,
		Body:        append([]byte(nil), body...),
		CreatedAt:   a.nowFn().UTC(),
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// Record appends an audit entry.
func (a *AuditLog) Record(ctx context.Context, entry AuditEntry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = a.nowFn().UTC()
	}
	return a.db.WithContext(ctx).Create(&entry).Error
}

// Entries returns the most recent audit entries, newest first.
func (a *AuditLog) Entries(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []AuditEntry
	err := a.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// capturingWriter records the status and body written by a handler.
type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func errorCodeOf(body []byte) string {
	const marker = `"error":"`
	raw := string(body)
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return ""
	}
	rest := raw[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}
