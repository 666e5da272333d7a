package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskearn/backend/internal/models"
)

// MemoryStore keeps the ledger in process. Row locks are per-key mutexes held
// for the life of a unit, and a unit's writes are staged and published under
// the store mutex before its locks are released.
type MemoryStore struct {
	mu          sync.Mutex
	rowLocks    map[string]*sync.Mutex
	seq         int64
	wallets     map[uuid.UUID]*models.Wallet
	walletOf    map[uuid.UUID]uuid.UUID
	owners      map[uuid.UUID]models.UserStatus
	log         []*models.Transaction
	txByID      map[uuid.UUID]*models.Transaction
	txByKey     map[string][]*models.Transaction
	escrows     map[uuid.UUID]*models.Escrow
	referrals   map[uuid.UUID]*models.Referral
	withdrawals map[uuid.UUID]*models.Withdrawal
	transfers   map[uuid.UUID]*models.Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rowLocks:    make(map[string]*sync.Mutex),
		wallets:     make(map[uuid.UUID]*models.Wallet),
		walletOf:    make(map[uuid.UUID]uuid.UUID),
		owners:      make(map[uuid.UUID]models.UserStatus),
		txByID:      make(map[uuid.UUID]*models.Transaction),
		txByKey:     make(map[string][]*models.Transaction),
		escrows:     make(map[uuid.UUID]*models.Escrow),
		referrals:   make(map[uuid.UUID]*models.Referral),
		withdrawals: make(map[uuid.UUID]*models.Withdrawal),
		transfers:   make(map[uuid.UUID]*models.Transfer),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateWallet opens an empty wallet for userID.
func (s *MemoryStore) CreateWallet(userID uuid.UUID, createdAt time.Time) *models.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &models.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	s.wallets[w.ID] = w
	s.walletOf[userID] = w.ID
	s.owners[userID] = models.UserStatusActive
	cp := *w
	return &cp
}

func (s *MemoryStore) SetOwnerStatus(userID uuid.UUID, status models.UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[userID] = status
}

// AddReferral records a pending referral, as signup does.
func (s *MemoryStore) AddReferral(referrerID, referredID uuid.UUID) *models.Referral {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &models.Referral{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Status:     models.ReferralPending,
		CreatedAt:  time.Now(),
	}
	s.referrals[referredID] = r
	cp := *r
	return &cp
}

// Transactions returns a copy of the whole log in sequence order.
func (s *MemoryStore) Transactions() []*models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Transaction, len(s.log))
	for i, tx := range s.log {
		cp := *tx
		out[i] = &cp
	}
	return out
}

func (s *MemoryStore) GetWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.walletOf[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return s.walletCopy(id), nil
}

func (s *MemoryStore) GetWalletByID(_ context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[walletID]; !ok {
		return nil, ErrWalletNotFound
	}
	return s.walletCopy(walletID), nil
}

func (s *MemoryStore) walletCopy(id uuid.UUID) *models.Wallet {
	cp := *s.wallets[id]
	cp.OwnerStatus = s.owners[cp.UserID]
	return &cp
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txByID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, walletID uuid.UUID, limit, offset int) ([]*models.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Transaction
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].WalletID == walletID {
			cp := *s.log[i]
			all = append(all, &cp)
		}
	}
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) TransactionsByReference(_ context.Context, referenceType, referenceID string) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range s.log {
		if tx.ReferenceType == referenceType && tx.ReferenceID == referenceID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[taskID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetReferralByReferred(_ context.Context, referredID uuid.UUID) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[referredID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, userID uuid.UUID, limit, offset int) ([]*models.Withdrawal, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Withdrawal
	for _, w := range s.withdrawals {
		if w.UserID == userID {
			cp := *w
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id uuid.UUID) (*models.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return []T{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func (s *MemoryStore) Within(ctx context.Context, fn func(ctx context.Context, u Unit) error) error {
	u := &memUnit{
		s:           s,
		held:        make(map[string]*sync.Mutex),
		wallets:     make(map[uuid.UUID]*models.Wallet),
		statuses:    make(map[uuid.UUID]models.TransactionStatus),
		escrows:     make(map[uuid.UUID]*models.Escrow),
		referrals:   make(map[uuid.UUID]*models.Referral),
		withdrawals: make(map[uuid.UUID]*models.Withdrawal),
	}
	defer u.release()
	if err := fn(ctx, u); err != nil {
		return err
	}
	s.mu.Lock()
	u.commit()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) rowLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[key] = m
	}
	return m
}

type memUnit struct {
	s     *MemoryStore
	held  map[string]*sync.Mutex
	order []string

	wallets     map[uuid.UUID]*models.Wallet
	appended    []*models.Transaction
	statuses    map[uuid.UUID]models.TransactionStatus
	escrows     map[uuid.UUID]*models.Escrow
	referrals   map[uuid.UUID]*models.Referral
	withdrawals map[uuid.UUID]*models.Withdrawal
	transfers   []*models.Transfer
}

var _ Unit = (*memUnit)(nil)

func (u *memUnit) lock(key string) {
	if _, ok := u.held[key]; ok {
		return
	}
	m := u.s.rowLock(key)
	m.Lock()
	u.held[key] = m
	u.order = append(u.order, key)
}

func (u *memUnit) release() {
	for i := len(u.order) - 1; i >= 0; i-- {
		u.held[u.order[i]].Unlock()
	}
}

func (u *memUnit) commit() {
	s := u.s
	now := time.Now()
	for id, w := range u.wallets {
		w.UpdatedAt = now
		w.OwnerStatus = ""
		s.wallets[id] = w
	}
	for _, tx := range u.appended {
		s.log = append(s.log, tx)
		s.txByID[tx.ID] = tx
		if tx.IdempotencyKey != "" {
			s.txByKey[tx.IdempotencyKey] = append(s.txByKey[tx.IdempotencyKey], tx)
		}
	}
	for id, status := range u.statuses {
		if tx, ok := s.txByID[id]; ok {
			tx.Status = status
		}
	}
	for id, e := range u.escrows {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		s.escrows[id] = e
	}
	for id, r := range u.referrals {
		s.referrals[id] = r
	}
	for id, w := range u.withdrawals {
		s.withdrawals[id] = w
	}
	for _, t := range u.transfers {
		s.transfers[t.ID] = t
	}
}

func (u *memUnit) LockWallet(_ context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	u.lock("wallet:" + walletID.String())
	if w, ok := u.wallets[walletID]; ok {
		cp := *w
		return &cp, nil
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.wallets[walletID]; !ok {
		return nil, ErrWalletNotFound
	}
	return u.s.walletCopy(walletID), nil
}

func (u *memUnit) SaveWallet(_ context.Context, w *models.Wallet) error {
	if _, ok := u.held["wallet:"+w.ID.String()]; !ok {
		return ErrWalletNotFound
	}
	cp := *w
	u.wallets[w.ID] = &cp
	return nil
}

func (u *memUnit) AppendTransaction(_ context.Context, tx *models.Transaction) error {
	u.s.mu.Lock()
	u.s.seq++
	tx.Seq = u.s.seq
	u.s.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	tx.CreatedAt = time.Now()
	cp := *tx
	u.appended = append(u.appended, &cp)
	return nil
}

func (u *memUnit) TransactionsByKey(_ context.Context, key string) ([]*models.Transaction, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	prior := u.s.txByKey[key]
	out := make([]*models.Transaction, len(prior))
	for i, tx := range prior {
		cp := *tx
		out[i] = &cp
	}
	return out, nil
}

func (u *memUnit) LockTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	u.lock("tx:" + id.String())
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	tx, ok := u.s.txByID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	if status, ok := u.statuses[id]; ok {
		cp.Status = status
	}
	return &cp, nil
}

func (u *memUnit) SetTransactionStatus(_ context.Context, id uuid.UUID, status models.TransactionStatus) error {
	u.lock("tx:" + id.String())
	u.s.mu.Lock()
	tx, ok := u.s.txByID[id]
	var from models.TransactionStatus
	if ok {
		from = tx.Status
	}
	u.s.mu.Unlock()
	if !ok {
		return ErrTransactionNotFound
	}
	if staged, ok := u.statuses[id]; ok {
		from = staged
	}
	if !statusChangeAllowed(from, status) {
		return fmt.Errorf("%w: %s cannot go from %s to %s", ErrNotReversible, id, from, status)
	}
	u.statuses[id] = status
	return nil
}

func (u *memUnit) LockEscrow(_ context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	u.lock("escrow:" + taskID.String())
	if e, ok := u.escrows[taskID]; ok {
		cp := *e
		return &cp, nil
	}
	return u.s.GetEscrow(context.Background(), taskID)
}

func (u *memUnit) SaveEscrow(_ context.Context, e *models.Escrow) error {
	u.lock("escrow:" + e.TaskID.String())
	cp := *e
	u.escrows[e.TaskID] = &cp
	return nil
}

func (u *memUnit) LockReferral(_ context.Context, referredID uuid.UUID) (*models.Referral, error) {
	u.lock("referral:" + referredID.String())
	if r, ok := u.referrals[referredID]; ok {
		cp := *r
		return &cp, nil
	}
	return u.s.GetReferralByReferred(context.Background(), referredID)
}

func (u *memUnit) SaveReferral(_ context.Context, r *models.Referral) error {
	u.lock("referral:" + r.ReferredID.String())
	cp := *r
	u.referrals[r.ReferredID] = &cp
	return nil
}

func (u *memUnit) LockWithdrawal(_ context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	u.lock("withdrawal:" + id.String())
	if w, ok := u.withdrawals[id]; ok {
		cp := *w
		return &cp, nil
	}
	return u.s.GetWithdrawal(context.Background(), id)
}

func (u *memUnit) SaveWithdrawal(_ context.Context, w *models.Withdrawal) error {
	u.lock("withdrawal:" + w.ID.String())
	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	u.withdrawals[w.ID] = &cp
	return nil
}

func (u *memUnit) WithdrawnSince(_ context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	total := decimal.Zero
	for _, w := range u.s.withdrawals {
		if w.UserID == userID && w.Status != models.WithdrawalRejected && !w.CreatedAt.Before(since) {
			total = total.Add(w.Amount)
		}
	}
	return total, nil
}

func (u *memUnit) SaveTransfer(_ context.Context, t *models.Transfer) error {
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	u.transfers = append(u.transfers, &cp)
	return nil
}
