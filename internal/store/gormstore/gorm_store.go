package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ordergate/internal/compliance"
	"ordergate/internal/order"
	"ordergate/internal/store"
	storemodel "ordergate/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type (
	orderSubmissionModel     = storemodel.OrderSubmissionModel
	executionReportModel     = storemodel.ExecutionReportModel
	complianceViolationModel = storemodel.ComplianceViolationModel
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database behind the store.
type Config struct {
	Driver   string
	Path     string
	Postgres PostgresOption
}

// GormStore implements store.DataStore on gorm, over sqlite or postgres.
type GormStore struct {
	db *gorm.DB
}

var (
	_ store.DataStore      = (*GormStore)(nil)
	_ store.SequenceLoader = (*GormStore)(nil)
	_ compliance.Reporter  = (*GormStore)(nil)
)

// NewGormStore opens the configured database and migrates its tables.
func NewGormStore(cfg Config) (*GormStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialector gorm.Dialector
	switch driver {
	case "", DriverSQLite:
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, fmt.Errorf("gorm store: database path cannot be empty")
		}
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		d, err := cfg.Postgres.dialector()
		if err != nil {
			return nil, err
		}
		dialector = d
	default:
		return nil, fmt.Errorf("gorm store: unknown driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&orderSubmissionModel{},
		&executionReportModel{},
		&complianceViolationModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if driver != DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite + WAL: a little read parallelism, low lock contention.
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &GormStore{db: db}, nil
}

// NewSQLiteStore is NewGormStore for a sqlite file.
func NewSQLiteStore(path string) (*GormStore, error) {
	return NewGormStore(Config{Driver: DriverSQLite, Path: path})
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormDB exposes the underlying *gorm.DB.
func (s *GormStore) GormDB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// --------------------- Order submissions -------------------------

func (s *GormStore) StoreOrder(ctx context.Context, info store.SequencedOrderInfo) error {
	m, err := newOrderSubmissionModel(info)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *GormStore) LoadOrder(ctx context.Context, id order.ID) (store.SequencedOrderRecord, bool, error) {
	var m orderSubmissionModel
	err := s.db.WithContext(ctx).Where("order_id = ?", uint64(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.SequencedOrderRecord{}, false, nil
	}
	if err != nil {
		return store.SequencedOrderRecord{}, false, err
	}
	records, err := s.attachReports(ctx, []orderSubmissionModel{m})
	if err != nil {
		return store.SequencedOrderRecord{}, false, err
	}
	return records[0], true, nil
}

func (s *GormStore) LoadOrderSubmissions(ctx context.Context, q store.AccountQuery) ([]store.SequencedOrderRecord, error) {
	var rows []orderSubmissionModel
	tx := rangeScope(s.db.WithContext(ctx).Model(&orderSubmissionModel{}), q)
	tx, reverse := limitScope(tx, q)
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	if reverse {
		reverseRows(rows)
	}
	records, err := s.attachReports(ctx, rows)
	if err != nil {
		return nil, err
	}
	return store.Select(q, records, func(r order.Record) time.Time { return r.Info.Timestamp }), nil
}

func (s *GormStore) attachReports(ctx context.Context, rows []orderSubmissionModel) ([]store.SequencedOrderRecord, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.OrderID)
	}
	var reportRows []executionReportModel
	err := s.db.WithContext(ctx).
		Where("order_id IN ?", ids).
		Order("order_id asc").
		Order("report_sequence asc").
		Find(&reportRows).Error
	if err != nil {
		return nil, err
	}
	byOrder := make(map[uint64][]order.ExecutionReport, len(rows))
	for _, rr := range reportRows {
		r, err := decodeReport(rr)
		if err != nil {
			return nil, err
		}
		byOrder[rr.OrderID] = append(byOrder[rr.OrderID], r.Value)
	}
	out := make([]store.SequencedOrderRecord, 0, len(rows))
	for _, row := range rows {
		var info order.Info
		if err := json.Unmarshal(row.InfoJSON, &info); err != nil {
			return nil, fmt.Errorf("decode order %d: %w", row.OrderID, err)
		}
		out = append(out, store.SequencedOrderRecord{
			Value:    order.Record{Info: info, Reports: byOrder[row.OrderID]},
			Account:  row.Account,
			Sequence: row.Sequence,
		})
	}
	return out, nil
}

// --------------------- Execution reports -------------------------

func (s *GormStore) StoreReports(ctx context.Context, reports []store.SequencedReport) error {
	if len(reports) == 0 {
		return nil
	}
	models := make([]executionReportModel, 0, len(reports))
	for _, r := range reports {
		m, err := newExecutionReportModel(r)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&models).Error
	})
}

func (s *GormStore) LoadExecutionReports(ctx context.Context, q store.AccountQuery) ([]store.SequencedReport, error) {
	var rows []executionReportModel
	tx := rangeScope(s.db.WithContext(ctx).Model(&executionReportModel{}), q)
	tx, reverse := limitScope(tx, q)
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	if reverse {
		reverseRows(rows)
	}
	out := make([]store.SequencedReport, 0, len(rows))
	for _, row := range rows {
		r, err := decodeReport(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return store.Select(q, out, func(r order.ExecutionReport) time.Time { return r.Timestamp }), nil
}

// LoadInitialSequences returns the sequences following the last ones
// stored for account.
func (s *GormStore) LoadInitialSequences(ctx context.Context, account string) (store.InitialSequences, error) {
	var lastOrder, lastReport uint64
	err := s.db.WithContext(ctx).Model(&orderSubmissionModel{}).
		Where("account = ?", account).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&lastOrder).Error
	if err != nil {
		return store.InitialSequences{}, err
	}
	err = s.db.WithContext(ctx).Model(&executionReportModel{}).
		Where("account = ?", account).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&lastReport).Error
	if err != nil {
		return store.InitialSequences{}, err
	}
	return store.InitialSequences{NextOrderSequence: lastOrder + 1, NextReportSequence: lastReport + 1}, nil
}

// --------------------- Compliance violations -------------------------

func (s *GormStore) ReportViolation(ctx context.Context, rec compliance.ViolationRecord) error {
	m := complianceViolationModel{
		EntryID:       rec.EntryID,
		Account:       rec.Account,
		OrderID:       uint64(rec.OrderID),
		RuleName:      rec.Name,
		Reason:        rec.Reason,
		TimestampUnix: rec.Timestamp.UnixNano(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// ListViolations returns the most recent violations, newest first. An empty
// account lists every account.
func (s *GormStore) ListViolations(ctx context.Context, account string, limit int) ([]compliance.ViolationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	tx := s.db.WithContext(ctx).Model(&complianceViolationModel{})
	if account != "" {
		tx = tx.Where("account = ?", account)
	}
	var rows []complianceViolationModel
	if err := tx.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]compliance.ViolationRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, compliance.ViolationRecord{
			EntryID:   m.EntryID,
			Account:   m.Account,
			OrderID:   order.ID(m.OrderID),
			Name:      m.RuleName,
			Reason:    m.Reason,
			Timestamp: time.Unix(0, m.TimestampUnix).UTC(),
		})
	}
	return out, nil
}

// --------------------- helpers -------------------------

func rangeScope(tx *gorm.DB, q store.AccountQuery) *gorm.DB {
	tx = tx.Where("account = ?", q.Account)
	if q.Range.Start > 0 {
		tx = tx.Where("sequence >= ?", q.Range.Start)
	}
	if q.Range.End > 0 {
		tx = tx.Where("sequence <= ?", q.Range.End)
	}
	if !q.Range.StartTime.IsZero() {
		tx = tx.Where("timestamp >= ?", q.Range.StartTime.UnixNano())
	}
	if !q.Range.EndTime.IsZero() {
		tx = tx.Where("timestamp <= ?", q.Range.EndTime.UnixNano())
	}
	return tx
}

// limitScope pushes the snapshot limit into SQL when no filter has to run
// first. A TAIL limit reads newest first and reports that rows need
// reversing.
func limitScope(tx *gorm.DB, q store.AccountQuery) (*gorm.DB, bool) {
	if q.Limit.Size == 0 || len(q.Filter) > 0 {
		return tx.Order("sequence asc"), false
	}
	if q.Limit.Type == store.LimitTail {
		return tx.Order("sequence desc").Limit(q.Limit.Size), true
	}
	return tx.Order("sequence asc").Limit(q.Limit.Size), false
}

func reverseRows[T any](rows []T) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

func newOrderSubmissionModel(info store.SequencedOrderInfo) (orderSubmissionModel, error) {
	raw, err := json.Marshal(info.Value)
	if err != nil {
		return orderSubmissionModel{}, fmt.Errorf("encode order %d: %w", info.Value.ID, err)
	}
	f := info.Value.Fields
	return orderSubmissionModel{
		OrderID:           uint64(info.Value.ID),
		Account:           info.Account,
		Sequence:          info.Sequence,
		SubmissionAccount: info.Value.SubmissionAccount,
		Symbol:            f.Security.Symbol,
		Market:            f.Security.Market,
		Side:              f.Side.String(),
		Quantity:          f.Quantity,
		Price:             f.Price.String(),
		ShortingFlag:      info.Value.ShortingFlag,
		TimestampUnix:     info.Value.Timestamp.UnixNano(),
		InfoJSON:          datatypes.JSON(raw),
		CreatedAtUnix:     time.Now().Unix(),
	}, nil
}

func newExecutionReportModel(r store.SequencedReport) (executionReportModel, error) {
	raw, err := json.Marshal(r.Value)
	if err != nil {
		return executionReportModel{}, fmt.Errorf("encode report %d/%d: %w", r.Value.ID, r.Value.Sequence, err)
	}
	return executionReportModel{
		Account:            r.Account,
		Sequence:           r.Sequence,
		OrderID:            uint64(r.Value.ID),
		ReportSequence:     r.Value.Sequence,
		Status:             r.Value.Status.String(),
		LastQuantity:       r.Value.LastQuantity,
		LastPrice:          r.Value.LastPrice.String(),
		CumulativeQuantity: r.Value.CumulativeQuantity,
		TimestampUnix:      r.Value.Timestamp.UnixNano(),
		ReportJSON:         datatypes.JSON(raw),
		CreatedAtUnix:      time.Now().Unix(),
	}, nil
}

func decodeReport(m executionReportModel) (store.SequencedReport, error) {
	var r order.ExecutionReport
	if err := json.Unmarshal(m.ReportJSON, &r); err != nil {
		return store.SequencedReport{}, fmt.Errorf("decode report %d/%d: %w", m.OrderID, m.ReportSequence, err)
	}
	return store.SequencedReport{Value: r, Account: m.Account, Sequence: m.Sequence}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
