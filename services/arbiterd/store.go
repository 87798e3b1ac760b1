package arbiterd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported request store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ClaimKind distinguishes pull-request claims from issue-release requests.
type ClaimKind string

const (
	ClaimKindPullRequest ClaimKind = "pull_request"
	ClaimKindRelease     ClaimKind = "release"
)

// Valid reports whether the kind is known.
func (k ClaimKind) Valid() bool {
	return k == ClaimKindPullRequest || k == ClaimKindRelease
}

// ClaimStatus is the lifecycle of a stored claim request.
type ClaimStatus string

const (
	ClaimStatusRequested ClaimStatus = "REQUESTED"
	ClaimStatusConfirmed ClaimStatus = "CONFIRMED"
)

var (
	// ErrClaimNotFound is returned for unknown request ids.
	ErrClaimNotFound = errors.New("store: claim request not found")
	// ErrClaimAlreadyConfirmed is returned when confirming twice.
	ErrClaimAlreadyConfirmed = errors.New("store: claim request already confirmed")
)

// ClaimRequest records a claim the arbiter has been asked to confirm.
type ClaimRequest struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Kind        ClaimKind   `gorm:"size:16;index" json:"kind"`
	BountyID    string      `gorm:"size:128;index" json:"bountyId"`
	Repository  string      `gorm:"size:256" json:"repository"`
	PullNumber  int         `json:"pullNumber,omitempty"`
	ExternalID  string      `gorm:"size:128;index" json:"externalId"`
	RequestedBy string      `gorm:"size:128" json:"requestedBy,omitempty"`
	Payout      string      `gorm:"size:42" json:"payout"`
	Tier        int         `json:"tier"`
	Status      ClaimStatus `gorm:"size:16;index" json:"status"`
	Score       int         `json:"score,omitempty"`
	LastError   string      `gorm:"size:512" json:"lastError,omitempty"`
	ConfirmedAt *time.Time  `json:"confirmedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// FunderRegistration records an external id bound to a claim address after
// a repository ownership check.
type FunderRegistration struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalID string    `gorm:"size:128;index" json:"externalId"`
	Address    string    `gorm:"size:42" json:"address"`
	Repository string    `gorm:"size:256" json:"repository"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists claim requests and funder registrations through gorm.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// OpenStore opens the configured driver and migrates the schema.
func OpenStore(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return NewStore(db)
}

// NewStore wraps an open gorm handle and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&ClaimRequest{}, &FunderRegistration{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// DB exposes the gorm handle so the audit log can share the connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateClaim stores a new request in the REQUESTED state.
func (s *Store) CreateClaim(ctx context.Context, req *ClaimRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Status = ClaimStatusRequested
	return s.db.WithContext(ctx).Create(req).Error
}

// GetClaim loads a request by id.
func (s *Store) GetClaim(ctx context.Context, id uuid.UUID) (*ClaimRequest, error) {
	var req ClaimRequest
	err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// MarkConfirmed moves a REQUESTED request to CONFIRMED. The conditional
// update makes a second confirmation fail with ErrClaimAlreadyConfirmed.
func (s *Store) MarkConfirmed(ctx context.Context, id uuid.UUID, score int) error {
	now := s.nowFn().UTC()
	result := s.db.WithContext(ctx).Model(&ClaimRequest{}).
		Where("id = ? AND status = ?", id, ClaimStatusRequested).
		Updates(map[string]interface{}{
			"status":       ClaimStatusConfirmed,
			"score":        score,
			"last_error":   "",
			"confirmed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetClaim(ctx, id); err != nil {
			return err
		}
		return ErrClaimAlreadyConfirmed
	}
	return nil
}

// RecordFailure keeps the request open and remembers why confirmation
// failed.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return s.db.WithContext(ctx).Model(&ClaimRequest{}).
		Where("id = ? AND status = ?", id, ClaimStatusRequested).
		Update("last_error", reason).Error
}

// SaveFunder records a funder registration.
func (s *Store) SaveFunder(ctx context.Context, reg *FunderRegistration) error {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(reg).Error
}

// FundersFor lists registrations of an external id, newest first.
func (s *Store) FundersFor(ctx context.Context, externalID string) ([]FunderRegistration, error) {
	var out []FunderRegistration
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).Order("created_at DESC").Find(&out).Error
	return out, err
}
