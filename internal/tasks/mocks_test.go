package tasks

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/taskearn/backend/internal/jobs"
	"github.com/taskearn/backend/internal/ledger"
	"github.com/taskearn/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- Repo mock: mutex-protected maps; the tx argument is ignored. ---

type mockRepo struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*models.Task
	submissions map[uuid.UUID]*models.Submission
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		tasks:       make(map[uuid.UUID]*models.Task),
		submissions: make(map[uuid.UUID]*models.Submission),
	}
}

func (m *mockRepo) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *mockRepo) CreateTx(_ context.Context, _ pgx.Tx, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) LockTx(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) UpdateStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status models.TaskStatus, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	t.Status = status
	if reason != nil {
		t.RejectionReason = reason
	}
	return nil
}

func (m *mockRepo) AddCompletionTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	t.CurrentCompletions++
	if t.CurrentCompletions >= t.MaxCompletions {
		t.Status = models.TaskCompleted
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) filter(keep func(t *models.Task) bool, limit, offset int) ([]*models.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Task
	for _, t := range m.tasks {
		if keep(t) {
			cp := *t
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListActive(_ context.Context, now time.Time, limit, offset int) ([]*models.Task, int, error) {
	return m.filter(func(t *models.Task) bool {
		return t.Status == models.TaskActive && (t.ExpiresAt == nil || t.ExpiresAt.After(now))
	}, limit, offset)
}

func (m *mockRepo) ListByCreator(_ context.Context, creatorID uuid.UUID, limit, offset int) ([]*models.Task, int, error) {
	return m.filter(func(t *models.Task) bool { return t.CreatorID == creatorID }, limit, offset)
}

func (m *mockRepo) ListByStatus(_ context.Context, status models.TaskStatus, limit, offset int) ([]*models.Task, int, error) {
	return m.filter(func(t *models.Task) bool { return t.Status == status }, limit, offset)
}

func (m *mockRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Task, error) {
	list, _, err := m.filter(func(t *models.Task) bool {
		return t.Status.Open() && t.ExpiresAt != nil && !t.ExpiresAt.After(now)
	}, limit, 0)
	return list, err
}

func (m *mockRepo) CreateSubmission(_ context.Context, s *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.submissions {
		if existing.TaskID == s.TaskID && existing.WorkerID == s.WorkerID {
			return ErrAlreadySubmitted
		}
	}
	s.CreatedAt = time.Now()
	cp := *s
	m.submissions[s.ID] = &cp
	return nil
}

func (m *mockRepo) GetSubmission(_ context.Context, id uuid.UUID) (*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockRepo) LockSubmissionTx(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Submission, error) {
	return m.GetSubmission(ctx, id)
}

func (m *mockRepo) ReviewSubmissionTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status models.SubmissionStatus, reason *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.submissions[id]
	s.Status = status
	s.RejectionReason = reason
	s.ReviewedAt = &at
	return nil
}

func (m *mockRepo) RejectPendingTx(_ context.Context, _ pgx.Tx, taskID uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.submissions {
		if s.TaskID == taskID && s.Status == models.SubmissionPending {
			s.Status = models.SubmissionRejected
			s.RejectionReason = &reason
			s.ReviewedAt = &at
		}
	}
	return nil
}

func (m *mockRepo) listSubs(keep func(s *models.Submission) bool, limit, offset int) ([]*models.Submission, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Submission
	for _, s := range m.submissions {
		if keep(s) {
			cp := *s
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListSubmissionsByTask(_ context.Context, taskID uuid.UUID, limit, offset int) ([]*models.Submission, int, error) {
	return m.listSubs(func(s *models.Submission) bool { return s.TaskID == taskID }, limit, offset)
}

func (m *mockRepo) ListSubmissionsByWorker(_ context.Context, workerID uuid.UUID, limit, offset int) ([]*models.Submission, int, error) {
	return m.listSubs(func(s *models.Submission) bool { return s.WorkerID == workerID }, limit, offset)
}

// --- referral job recorder ---

type referralQueue struct {
	mu   sync.Mutex
	jobs []jobs.CreditReferralArgs
}

func (q *referralQueue) insert(_ context.Context, _ pgx.Tx, args jobs.CreditReferralArgs) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, args)
	return nil
}

// ---------------------------------------------------------------------------
// Fixture: the task service over the real ledger on a MemoryStore.
// ---------------------------------------------------------------------------

type fixture struct {
	svc   *service
	repo  *mockRepo
	store *ledger.MemoryStore
	lg    ledger.Service
	queue *referralQueue
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	store.CreateWallet(models.PlatformUserID, time.Now().Add(-72*time.Hour))
	l := ledger.NewService(store, ledger.DefaultConfig(), nil, quiet)
	repo := newMockRepo()
	q := &referralQueue{}
	f := &fixture{repo: repo, store: store, lg: l, queue: q, now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	f.svc = NewService(repo, l, q.insert, decimal.RequireFromString("0.02"), quiet)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// user opens a wallet and deposits balance into it.
func (f *fixture) user(t *testing.T, balance string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	w := f.store.CreateWallet(id, time.Now().Add(-72*time.Hour))
	if amt := models.MustAmount(balance); amt.IsPositive() {
		_, err := f.lg.Apply(context.Background(), ledger.ApplyRequest{
			WalletID:       w.ID,
			Type:           models.TxDeposit,
			Amount:         amt,
			IdempotencyKey: "seed:" + id.String(),
		})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) wallet(t *testing.T, userID uuid.UUID) *models.Wallet {
	t.Helper()
	w, err := f.lg.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w
}

// activeTask creates and approves a task.
func (f *fixture) activeTask(t *testing.T, creatorID uuid.UUID, reward string, max int) *models.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), creatorID, CreateInput{
		Title:          "Join channel",
		Description:    "Join our Telegram channel",
		Instructions:   "Open the link and press join",
		ProofType:      models.ProofText,
		RewardPerUser:  models.MustAmount(reward),
		MaxCompletions: max,
	})
	require.NoError(t, err)
	task, err = f.svc.Review(context.Background(), task.ID, true, nil)
	require.NoError(t, err)
	return task
}

func proof(s string) SubmitInput { return SubmitInput{ProofText: &s} }
