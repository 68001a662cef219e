package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// recordModel 审计记录表，时间以 Unix 纳秒存储，避免各方言时间格式差异
type recordModel struct {
	Kind        string `gorm:"primaryKey;size:32"`
	ID          string `gorm:"primaryKey;size:128"`
	Status      string `gorm:"size:32;index"`
	Reason      string `gorm:"type:text"`
	Payload     []byte
	CreatedUnix int64
	UpdatedUnix int64 `gorm:"index"`
}

func (recordModel) TableName() string { return "coord_records" }

// versionModel 上下文版本日志表
type versionModel struct {
	ContextID   string `gorm:"primaryKey;size:128"`
	VersionID   string `gorm:"primaryKey;size:64"`
	Seq         int64  `gorm:"index"`
	ParentID    string `gorm:"size:64"`
	MergedFrom  string `gorm:"size:64"`
	Author      string `gorm:"size:128"`
	Checksum    string `gorm:"size:64"`
	ChangeSet   []byte
	CreatedUnix int64
}

func (versionModel) TableName() string { return "coord_context_versions" }

// AutoMigrate creates the SQL tables without golang-migrate; used by tests and
// the sqlite quick-start path.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&recordModel{}, &versionModel{})
}

func toRecordModel(r *Record) recordModel {
	return recordModel{
		Kind:        string(r.Kind),
		ID:          r.ID,
		Status:      r.Status,
		Reason:      r.Reason,
		Payload:     r.Payload,
		CreatedUnix: r.CreatedAt.UnixNano(),
		UpdatedUnix: r.UpdatedAt.UnixNano(),
	}
}

func (m recordModel) toRecord() *Record {
	return &Record{
		Kind:      RecordKind(m.Kind),
		ID:        m.ID,
		Status:    m.Status,
		Reason:    m.Reason,
		Payload:   m.Payload,
		CreatedAt: time.Unix(0, m.CreatedUnix).UTC(),
		UpdatedAt: time.Unix(0, m.UpdatedUnix).UTC(),
	}
}

// SQLRecordStore is a gorm-backed RecordStore
type SQLRecordStore struct {
	db *gorm.DB
}

// NewSQLRecordStore wraps an open gorm handle
func NewSQLRecordStore(db *gorm.DB) *SQLRecordStore {
	return &SQLRecordStore{db: db}
}

func (s *SQLRecordStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLRecordStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLRecordStore) Put(ctx context.Context, record *Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev *Record
		var existing recordModel
		err := tx.Where("kind = ? AND id = ?", string(record.Kind), record.ID).Take(&existing).Error
		switch {
		case err == nil:
			prev = existing.toRecord()
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to load record: %w", err)
		}

		c := cloneRecord(record)
		stampRecord(c, prev)
		m := toRecordModel(c)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "reason", "payload", "created_unix", "updated_unix"}),
		}).Create(&m).Error
	})
}

func (s *SQLRecordStore) Get(ctx context.Context, kind RecordKind, id string) (*Record, error) {
	var m recordModel
	err := s.db.WithContext(ctx).Where("kind = ? AND id = ?", string(kind), id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return m.toRecord(), nil
}

func (s *SQLRecordStore) List(ctx context.Context, kind RecordKind, opts ListOptions) ([]*Record, error) {
	q := s.db.WithContext(ctx).Where("kind = ?", string(kind))
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if !opts.Since.IsZero() {
		q = q.Where("updated_unix >= ?", opts.Since.UnixNano())
	}
	q = q.Order("updated_unix ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var models []recordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]*Record, 0, len(models))
	for _, m := range models {
		out = append(out, m.toRecord())
	}
	return out, nil
}

func (s *SQLRecordStore) DeleteBefore(ctx context.Context, kind RecordKind, t time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("kind = ? AND updated_unix < ?", string(kind), t.UnixNano()).
		Delete(&recordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete records: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// SQLVersionLog is a gorm-backed VersionLog
type SQLVersionLog struct {
	db *gorm.DB
}

// NewSQLVersionLog wraps an open gorm handle
func NewSQLVersionLog(db *gorm.DB) *SQLVersionLog {
	return &SQLVersionLog{db: db}
}

func (l *SQLVersionLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *SQLVersionLog) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (l *SQLVersionLog) Append(ctx context.Context, rec *VersionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	m := versionModel{
		ContextID:   rec.ContextID,
		VersionID:   rec.VersionID,
		Seq:         rec.Seq,
		ParentID:    rec.ParentID,
		MergedFrom:  rec.MergedFrom,
		Author:      rec.Author,
		Checksum:    rec.Checksum,
		ChangeSet:   rec.ChangeSet,
		CreatedUnix: rec.CreatedAt.UnixNano(),
	}
	if err := l.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

func (l *SQLVersionLog) Load(ctx context.Context, contextID string) ([]*VersionRecord, error) {
	var models []versionModel
	err := l.db.WithContext(ctx).
		Where("context_id = ?", contextID).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load versions: %w", err)
	}
	out := make([]*VersionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, &VersionRecord{
			ContextID:  m.ContextID,
			VersionID:  m.VersionID,
			Seq:        m.Seq,
			ParentID:   m.ParentID,
			MergedFrom: m.MergedFrom,
			Author:     m.Author,
			Checksum:   m.Checksum,
			ChangeSet:  m.ChangeSet,
			CreatedAt:  time.Unix(0, m.CreatedUnix).UTC(),
		})
	}
	return out, nil
}
