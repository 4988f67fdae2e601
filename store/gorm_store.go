package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/webrunner/types"
)

// resultRow is the gorm model backing the result store.
type resultRow struct {
	Key           string `gorm:"primaryKey;size:512"`
	JobID         string `gorm:"index;size:128"`
	ContainerName string `gorm:"size:128"`
	Success       bool
	Document      []byte `gorm:"type:blob"`
	CreatedAt     time.Time
}

func (resultRow) TableName() string { return "job_results" }

// inflightRow is the advisory in-flight marker.
type inflightRow struct {
	JobID     string `gorm:"primaryKey;size:128"`
	StartedAt time.Time
}

func (inflightRow) TableName() string { return "jobs_inflight" }

// GormStore is a ResultStore over a relational database. The driver is
// selected by config: sqlite (pure-Go), postgres or mysql.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Config selects the database backend.
type Config struct {
	Driver string
	DSN    string
}

// NewGormStore opens the database and migrates the result tables.
func NewGormStore(cfg Config, logger *zap.Logger) (*GormStore, error) {
	logger = nopLogger(logger)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open result database: %w", err)
	}
	if err := db.AutoMigrate(&resultRow{}, &inflightRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate result tables: %w", err)
	}

	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "result_store")),
	}, nil
}

var _ ResultStore = (*GormStore)(nil)

// Put upserts the record under its object key. The upsert makes redelivered
// jobs converge on one stored result instead of failing on the second write.
func (s *GormStore) Put(ctx context.Context, rec *Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal result record: %w", err)
	}

	row := resultRow{
		Key:           Key(rec.Job.ContainerName, rec.Job.JobID),
		JobID:         rec.Job.JobID,
		ContainerName: rec.Job.ContainerName,
		Success:       rec.Result.Success,
		Document:      doc,
		CreatedAt:     time.Now(),
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"success", "document"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to persist result %s: %w", row.Key, err)
	}

	s.logger.Info("result persisted",
		zap.String("key", row.Key),
		zap.Bool("success", rec.Result.Success))
	return nil
}

// Get fetches the record for an exact container/jobId pair.
func (s *GormStore) Get(ctx context.Context, container, jobID string) (*Record, error) {
	var row resultRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", Key(container, jobID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result %s/%s: %w", container, jobID, err)
	}
	return decode(row)
}

// FindByJobID scans for a record under any container, mirroring the
// "*/{jobId}/result.json" lookup of the status query.
func (s *GormStore) FindByJobID(ctx context.Context, jobID string) (*Record, error) {
	var row resultRow
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up result for job %s: %w", jobID, err)
	}
	return decode(row)
}

// MarkProcessing sets the in-flight marker. Setting an existing marker is a
// no-op so redelivered jobs do not fail here.
func (s *GormStore) MarkProcessing(ctx context.Context, jobID string) error {
	row := inflightRow{JobID: jobID, StartedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to mark job %s in-flight: %w", jobID, err)
	}
	return nil
}

// ClearProcessing removes the in-flight marker.
func (s *GormStore) ClearProcessing(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Delete(&inflightRow{}, "job_id = ?", jobID).Error
	if err != nil {
		return fmt.Errorf("failed to clear in-flight marker for job %s: %w", jobID, err)
	}
	return nil
}

// Status derives the client-visible status from result presence and the
// in-flight marker.
func (s *GormStore) Status(ctx context.Context, jobID string) (types.JobStatus, *Record, error) {
	rec, err := s.FindByJobID(ctx, jobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", nil, err
	}

	inFlight := false
	if rec == nil {
		var count int64
		if err := s.db.WithContext(ctx).Model(&inflightRow{}).
			Where("job_id = ?", jobID).Count(&count).Error; err != nil {
			return "", nil, fmt.Errorf("failed to check in-flight marker for job %s: %w", jobID, err)
		}
		inFlight = count > 0
	}

	return statusOf(rec, inFlight), rec, nil
}

func decode(row resultRow) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(row.Document, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode result document %s: %w", row.Key, err)
	}
	return &rec, nil
}
