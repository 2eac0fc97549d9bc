// ============================================================================
// kioskq tabular store
// ============================================================================
//
// Package: internal/store/tabular
// File: tabular.go
// Purpose: Store implementation over one shared, row-oriented "PMS Queue"
// table, reached through GORM (MySQL in production).
//
// Table layout (one row per job, all partitions share the table):
//
//   seq | property | action | room_number | guest_name | check_in_date |
//   check_out_date | password | payment_amount | payment_method |
//   status | created_at | completed_at | error
//
// Ids:
//   seq is the auto-increment primary key, exposed as "PMS-<seq>". It is
//   assigned by the database, so concurrent producers can never collide, and
//   it follows physical insertion order.
//
// Transitions:
//   a single conditional UPDATE addressed by (seq, property) and guarded by
//   the allowed source statuses. A row that moved, was renumbered, or was
//   already settled simply matches zero rows; only then is the row read back
//   to tell NotFound, idempotent repeat and Conflict apart. There is no
//   scan-then-write window.
// ============================================================================

package tabular

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/pkg/types"
)

// IDPrefix prefixes every tabular job id.
const IDPrefix = "PMS-"

// Row is the GORM model of one queue row.
type Row struct {
	Seq           uint64     `gorm:"column:seq;primaryKey;autoIncrement"`
	Property      string     `gorm:"column:property;size:16;not null;index:idx_pms_queue_property_status,priority:1"`
	Action        string     `gorm:"column:action;size:32;not null"`
	RoomNumber    string     `gorm:"column:room_number;size:32;not null"`
	GuestName     string     `gorm:"column:guest_name;size:64"`
	CheckInDate   string     `gorm:"column:check_in_date;size:10"`
	CheckOutDate  string     `gorm:"column:check_out_date;size:10"`
	Password      string     `gorm:"column:password;size:16"`
	PaymentAmount int64      `gorm:"column:payment_amount"`
	PaymentMethod string     `gorm:"column:payment_method;size:16"`
	Status        string     `gorm:"column:status;size:16;not null;index:idx_pms_queue_property_status,priority:2"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	Error         string     `gorm:"column:error;size:512"`
}

// TableName pins the table name.
func (Row) TableName() string { return "pms_queue" }

// Store is the tabular backend.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to MySQL using dsn. An empty dsn is a configuration error
// reported here rather than on first use.
func Open(dsn string) (*Store, error) {
	const op = "tabular.Open"
	if strings.TrimSpace(dsn) == "" {
		return nil, errs.E(errs.KindBackendUnavailable, op, "mysql dsn is not configured")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.Wrapf(errs.KindBackendUnavailable, op, err, "connect mysql")
	}
	return New(db)
}

// New wraps an existing GORM handle. The caller owns migrations; see
// Migrate.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errs.E(errs.KindBackendUnavailable, "tabular.New", "nil database handle")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Migrate creates or updates the queue table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Row{}); err != nil {
		return errs.Wrapf(errs.KindBackendUnavailable, "tabular.Migrate", err, "migrate pms_queue")
	}
	return nil
}

// FormatID renders a sequence number as a job id.
func FormatID(seq uint64) types.JobID {
	return types.JobID(IDPrefix + strconv.FormatUint(seq, 10))
}

// ParseID extracts the sequence number from a job id.
func ParseID(id types.JobID) (uint64, bool) {
	raw, ok := strings.CutPrefix(string(id), IDPrefix)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

func toRow(p types.PropertyID, job types.Job) Row {
	return Row{
		Property:      string(p),
		Action:        string(job.Action),
		RoomNumber:    job.RoomNumber,
		GuestName:     job.GuestName,
		CheckInDate:   job.CheckInDate,
		CheckOutDate:  job.CheckOutDate,
		Password:      job.Password,
		PaymentAmount: job.PaymentAmount,
		PaymentMethod: job.PaymentMethod,
		Status:        string(types.StatusPending),
	}
}

func (r Row) toJob() types.Job {
	job := types.Job{
		ID:            FormatID(r.Seq),
		Property:      types.PropertyID(r.Property),
		Action:        types.Action(r.Action),
		RoomNumber:    r.RoomNumber,
		GuestName:     r.GuestName,
		CheckInDate:   r.CheckInDate,
		CheckOutDate:  r.CheckOutDate,
		Password:      r.Password,
		PaymentAmount: r.PaymentAmount,
		PaymentMethod: r.PaymentMethod,
		Status:        types.JobStatus(r.Status),
		CreatedAt:     r.CreatedAt.UTC(),
		Error:         r.Error,
	}
	if r.CompletedAt != nil {
		at := r.CompletedAt.UTC()
		job.CompletedAt = &at
	}
	return job
}

// Enqueue implements store.Store.
func (s *Store) Enqueue(ctx context.Context, p types.PropertyID, job types.Job) (types.Job, error) {
	const op = "tabular.Enqueue"
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}

	row := toRow(p, job)
	row.CreatedAt = s.now().UTC()

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.Job{}, backendErr(op, err)
	}
	return row.toJob(), nil
}

// ListPending implements store.Store.
func (s *Store) ListPending(ctx context.Context, p types.PropertyID) ([]types.Job, error) {
	const op = "tabular.ListPending"
	if err := store.CheckPartition(op, p); err != nil {
		return nil, err
	}

	var rows []Row
	err := s.db.WithContext(ctx).
		Where("property = ? AND status = ?", string(p), string(types.StatusPending)).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, backendErr(op, err)
	}

	jobs := make([]types.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, p types.PropertyID, id types.JobID) (types.Job, error) {
	const op = "tabular.Get"
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}
	row, err := s.find(ctx, op, p, id)
	if err != nil {
		return types.Job{}, err
	}
	return row.toJob(), nil
}

func (s *Store) find(ctx context.Context, op string, p types.PropertyID, id types.JobID) (Row, error) {
	seq, ok := ParseID(id)
	if !ok {
		return Row{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}

	var row Row
	err := s.db.WithContext(ctx).
		Where("seq = ? AND property = ?", seq, string(p)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}
	if err != nil {
		return Row{}, backendErr(op, err)
	}
	return row, nil
}

// Complete implements store.Store.
func (s *Store) Complete(ctx context.Context, p types.PropertyID, id types.JobID, at time.Time) (types.Job, error) {
	return s.transition(ctx, "tabular.Complete", p, id, store.Transition{To: types.StatusCompleted, At: at})
}

// Fail implements store.Store.
func (s *Store) Fail(ctx context.Context, p types.PropertyID, id types.JobID, at time.Time, reason string) (types.Job, error) {
	return s.transition(ctx, "tabular.Fail", p, id, store.Transition{To: types.StatusFailed, At: at, Reason: reason})
}

// MarkProcessing implements store.Store.
func (s *Store) MarkProcessing(ctx context.Context, p types.PropertyID, id types.JobID) (types.Job, error) {
	return s.transition(ctx, "tabular.MarkProcessing", p, id, store.Transition{To: types.StatusProcessing})
}

func (s *Store) transition(ctx context.Context, op string, p types.PropertyID, id types.JobID, t store.Transition) (types.Job, error) {
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}
	seq, ok := ParseID(id)
	if !ok {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}

	updates := map[string]interface{}{"status": string(t.To)}
	if t.To.IsTerminal() {
		updates["completed_at"] = t.At.UTC()
	}
	if t.To == types.StatusFailed {
		updates["error"] = truncate(t.Reason, errorColumnLen)
	}

	sources := make([]string, 0, 2)
	for _, from := range types.SourcesOf(t.To) {
		sources = append(sources, string(from))
	}

	res := s.db.WithContext(ctx).
		Model(&Row{}).
		Where("seq = ? AND property = ? AND status IN ?", seq, string(p), sources).
		Updates(updates)
	if res.Error != nil {
		return types.Job{}, backendErr(op, res.Error)
	}

	row, err := s.find(ctx, op, p, id)
	if err != nil {
		return types.Job{}, err
	}
	if res.RowsAffected == 1 {
		return row.toJob(), nil
	}

	// Nothing matched: either already settled or the move is forbidden.
	if _, err := store.Decide(op, id, types.JobStatus(row.Status), t); err != nil {
		return types.Job{}, err
	}
	return row.toJob(), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func backendErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindBackendUnavailable, op, err)
	}
	return errs.Wrapf(errs.KindBackendUnavailable, op, err, "database error")
}

// errorColumnLen matches the error column; MySQL counts characters, not bytes.
const errorColumnLen = 512

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
