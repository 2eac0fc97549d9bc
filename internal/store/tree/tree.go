// ============================================================================
// kioskq tree store
// ============================================================================
//
// Package: internal/store/tree
// File: tree.go
// Purpose: Store implementation over a key-addressed realtime store (Redis),
// partitioned by property the way the kiosk's realtime database laid out
// pms_queue/<property>/<pushKey>.
//
// Key layout (prefix defaults to "pms_queue"):
//
//   <prefix>:<property>:<pushKey>   hash   one job, field per attribute
//   <prefix>:<property>:pending     zset   pushKey scored by createdAt (ms)
//
// Push keys are UUIDv7 strings: unique, and lexicographically sortable in
// creation order, so ZRANGE on the pending index yields creation order even
// when two jobs share a millisecond score.
//
// Transitions are optimistic WATCH/MULTI transactions on the job key: the
// hash fields and the pending index change in one EXEC, and a concurrent
// writer aborts the transaction instead of interleaving with it.
// ============================================================================

package tree

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/store"
	"github.com/worldchamps/kioskq/pkg/types"
)

// DefaultPrefix is the root of the key tree.
const DefaultPrefix = "pms_queue"

// maxTxRetries bounds optimistic-lock retries for one transition.
const maxTxRetries = 8

// Hash field names, matching the JSON names of types.Job.
const (
	fID            = "id"
	fProperty      = "property"
	fAction        = "action"
	fRoomNumber    = "roomNumber"
	fGuestName     = "guestName"
	fCheckInDate   = "checkInDate"
	fCheckOutDate  = "checkOutDate"
	fPassword      = "password"
	fPaymentAmount = "paymentAmount"
	fPaymentMethod = "paymentMethod"
	fStatus        = "status"
	fCreatedAt     = "createdAt"
	fCompletedAt   = "completedAt"
	fError         = "error"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is the tree backend.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection with PING. Missing
// configuration and an unreachable server are both BackendUnavailable.
func Open(ctx context.Context, opts Options) (*Store, error) {
	const op = "tree.Open"
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errs.E(errs.KindBackendUnavailable, op, "redis address is not configured")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errs.Wrapf(errs.KindBackendUnavailable, op, err, "connect redis %s", opts.Addr)
	}
	return New(rdb, opts.Prefix), nil
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Store) jobKey(p types.PropertyID, id types.JobID) string {
	return s.prefix + ":" + string(p) + ":" + string(id)
}

func (s *Store) pendingKey(p types.PropertyID) string {
	return s.prefix + ":" + string(p) + ":pending"
}

// validKey guards against ids that would escape their subtree.
func validKey(id types.JobID) bool {
	return id != "" && id != "pending" && !strings.ContainsAny(string(id), ":*?[]")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toFields(job types.Job) map[string]interface{} {
	fields := map[string]interface{}{
		fID:         string(job.ID),
		fProperty:   string(job.Property),
		fAction:     string(job.Action),
		fRoomNumber: job.RoomNumber,
		fStatus:     string(job.Status),
		fCreatedAt:  formatTime(job.CreatedAt),
	}
	optional := map[string]string{
		fGuestName:     job.GuestName,
		fCheckInDate:   job.CheckInDate,
		fCheckOutDate:  job.CheckOutDate,
		fPassword:      job.Password,
		fPaymentMethod: job.PaymentMethod,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if job.PaymentAmount != 0 {
		fields[fPaymentAmount] = strconv.FormatInt(job.PaymentAmount, 10)
	}
	return fields
}

func fromFields(m map[string]string) (types.Job, error) {
	job := types.Job{
		ID:            types.JobID(m[fID]),
		Property:      types.PropertyID(m[fProperty]),
		Action:        types.Action(m[fAction]),
		RoomNumber:    m[fRoomNumber],
		GuestName:     m[fGuestName],
		CheckInDate:   m[fCheckInDate],
		CheckOutDate:  m[fCheckOutDate],
		Password:      m[fPassword],
		PaymentMethod: m[fPaymentMethod],
		Status:        types.JobStatus(m[fStatus]),
		Error:         m[fError],
	}
	if v := m[fPaymentAmount]; v != "" {
		amount, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return types.Job{}, err
		}
		job.PaymentAmount = amount
	}
	created, err := time.Parse(time.RFC3339Nano, m[fCreatedAt])
	if err != nil {
		return types.Job{}, err
	}
	job.CreatedAt = created
	if v := m[fCompletedAt]; v != "" {
		done, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return types.Job{}, err
		}
		job.CompletedAt = &done
	}
	return job, nil
}

// Enqueue implements store.Store.
func (s *Store) Enqueue(ctx context.Context, p types.PropertyID, job types.Job) (types.Job, error) {
	const op = "tree.Enqueue"
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}

	key, err := uuid.NewV7()
	if err != nil {
		return types.Job{}, errs.Wrap(errs.KindInternal, op, err)
	}

	job.ID = types.JobID(key.String())
	job.Property = p
	job.Status = types.StatusPending
	job.CreatedAt = s.now().UTC()
	job.CompletedAt = nil
	job.Error = ""

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(p, job.ID), toFields(job))
		pipe.ZAdd(ctx, s.pendingKey(p), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: string(job.ID),
		})
		return nil
	})
	if err != nil {
		return types.Job{}, backendErr(op, err)
	}
	return job, nil
}

// ListPending implements store.Store.
func (s *Store) ListPending(ctx context.Context, p types.PropertyID) ([]types.Job, error) {
	const op = "tree.ListPending"
	if err := store.CheckPartition(op, p); err != nil {
		return nil, err
	}

	ids, err := s.rdb.ZRange(ctx, s.pendingKey(p), 0, -1).Result()
	if err != nil {
		return nil, backendErr(op, err)
	}
	if len(ids) == 0 {
		return []types.Job{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(p, types.JobID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, backendErr(op, err)
	}

	jobs := make([]types.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := fromFields(fields)
		if err != nil {
			return nil, errs.Wrapf(errs.KindInternal, op, err, "decode job")
		}
		// the index may briefly lag a transition committed by another writer
		if job.Status != types.StatusPending {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, p types.PropertyID, id types.JobID) (types.Job, error) {
	const op = "tree.Get"
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}
	if !validKey(id) {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}
	return s.load(ctx, op, s.rdb, p, id)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) load(ctx context.Context, op string, r hashReader, p types.PropertyID, id types.JobID) (types.Job, error) {
	fields, err := r.HGetAll(ctx, s.jobKey(p, id)).Result()
	if err != nil {
		return types.Job{}, backendErr(op, err)
	}
	if len(fields) == 0 {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}
	job, err := fromFields(fields)
	if err != nil {
		return types.Job{}, errs.Wrapf(errs.KindInternal, op, err, "decode job %s", id)
	}
	return job, nil
}

// Complete implements store.Store.
func (s *Store) Complete(ctx context.Context, p types.PropertyID, id types.JobID, at time.Time) (types.Job, error) {
	return s.transition(ctx, "tree.Complete", p, id, store.Transition{To: types.StatusCompleted, At: at})
}

// Fail implements store.Store.
func (s *Store) Fail(ctx context.Context, p types.PropertyID, id types.JobID, at time.Time, reason string) (types.Job, error) {
	return s.transition(ctx, "tree.Fail", p, id, store.Transition{To: types.StatusFailed, At: at, Reason: reason})
}

// MarkProcessing implements store.Store.
func (s *Store) MarkProcessing(ctx context.Context, p types.PropertyID, id types.JobID) (types.Job, error) {
	return s.transition(ctx, "tree.MarkProcessing", p, id, store.Transition{To: types.StatusProcessing})
}

func (s *Store) transition(ctx context.Context, op string, p types.PropertyID, id types.JobID, t store.Transition) (types.Job, error) {
	if err := store.CheckPartition(op, p); err != nil {
		return types.Job{}, err
	}
	if !validKey(id) {
		return types.Job{}, errs.NotFound(op, "job %s not found in %s", id, p)
	}

	key := s.jobKey(p, id)
	var result types.Job

	txf := func(tx *redis.Tx) error {
		job, err := s.load(ctx, op, tx, p, id)
		if err != nil {
			return err
		}

		apply, err := store.Decide(op, id, job.Status, t)
		if err != nil {
			return err
		}
		if !apply {
			result = job
			return nil
		}

		t.ApplyTo(&job)
		update := map[string]interface{}{fStatus: string(job.Status)}
		if job.CompletedAt != nil {
			update[fCompletedAt] = formatTime(*job.CompletedAt)
		}
		if t.To == types.StatusFailed {
			update[fError] = job.Error
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, update)
			pipe.ZRem(ctx, s.pendingKey(p), string(id))
			return nil
		})
		if err != nil {
			return err
		}
		result = job
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var qe *errs.Error
		if errors.As(err, &qe) {
			return types.Job{}, err
		}
		return types.Job{}, backendErr(op, err)
	}
	return types.Job{}, errs.E(errs.KindBackendUnavailable, op, "too much contention on "+key)
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func backendErr(op string, err error) error {
	return errs.Wrapf(errs.KindBackendUnavailable, op, err, "redis error")
}
