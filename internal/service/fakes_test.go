package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"crmcore/internal/model"
	"crmcore/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// fakeJobRecords is an in-memory job_records table with the same
// conditional-update semantics as the SQL repository.
type fakeJobRecords struct {
	mu      sync.Mutex
	records map[string]*model.JobRecord
	writes  int

	releaseErr error
	// beforeMark runs between Get and MarkProcessing, simulating a racing worker.
	beforeMark func()
}

func newFakeJobRecords() *fakeJobRecords {
	return &fakeJobRecords{records: map[string]*model.JobRecord{}}
}

func (f *fakeJobRecords) seed(jobID string, status *model.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[jobID] = &model.JobRecord{JobID: jobID, Status: status}
}

func (f *fakeJobRecords) status(jobID string) *model.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil
	}
	return rec.Status
}

func (f *fakeJobRecords) record(jobID string) model.JobRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[jobID]
}

func (f *fakeJobRecords) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeJobRecords) Get(_ context.Context, jobID string) (*model.JobRecord, error) {
	f.mu.Lock()
	rec, ok := f.records[jobID]
	var cp model.JobRecord
	if ok {
		cp = *rec
	}
	hook := f.beforeMark
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (f *fakeJobRecords) MarkProcessing(_ context.Context, jobID, token string, lockedUntil *time.Time, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok || rec.Status == nil {
		return false, nil
	}
	takeable := *rec.Status == model.JobStatusQueued ||
		(*rec.Status == model.JobStatusProcessing && rec.LockedUntil != nil && rec.LockedUntil.Before(now))
	if !takeable {
		return false, nil
	}
	st := model.JobStatusProcessing
	rec.Status = &st
	rec.LockedBy = &token
	rec.LockedUntil = lockedUntil
	rec.UpdatedAt = now
	f.writes++
	return true, nil
}

func (f *fakeJobRecords) Release(_ context.Context, jobID, token string, status model.JobStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return false, f.releaseErr
	}
	rec, ok := f.records[jobID]
	if !ok || !rec.IsProcessing() || rec.LockedBy == nil || *rec.LockedBy != token {
		return false, nil
	}
	rec.Status = &status
	rec.LockedBy = nil
	rec.LockedUntil = nil
	rec.LastProcessedAt = &at
	rec.UpdatedAt = at
	f.writes++
	return true, nil
}

func (f *fakeJobRecords) ForceQueue(_ context.Context, jobID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok || !rec.IsProcessing() {
		return false, nil
	}
	st := model.JobStatusQueued
	rec.Status = &st
	rec.LockedBy = nil
	rec.LockedUntil = nil
	rec.UpdatedAt = at
	f.writes++
	return true, nil
}

func (f *fakeJobRecords) List(context.Context) ([]model.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.JobRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, *r)
	}
	return out, nil
}

func statusPtr(s model.JobStatus) *model.JobStatus { return &s }

// fakeLedgerStore holds users, packages, pricing and transactions and
// implements the repositories the ledger and package services depend on.
type fakeLedgerStore struct {
	mu           sync.Mutex
	users        map[string]*model.User
	packages     map[string]*model.UserPackage
	pricing      []model.MessagingPricing
	transactions []model.BillingTransaction

	dueRenewals []model.DuePackage
	dueTrials   []model.DuePackage
	expired     []string
	advanced    map[string][2]time.Time
	activated   map[string][2]time.Time

	debitErr   error
	advanceErr error
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{
		users:     map[string]*model.User{},
		packages:  map[string]*model.UserPackage{},
		advanced:  map[string][2]time.Time{},
		activated: map[string][2]time.Time{},
	}
}

func (f *fakeLedgerStore) addUser(id string, credit string) {
	f.users[id] = &model.User{UserID: id, AgencyID: "agency-1", CurrentCredit: decimal.RequireFromString(credit)}
}

func (f *fakeLedgerStore) credit(id string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id].CurrentCredit
}

func (f *fakeLedgerStore) txCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transactions)
}

// UserRepository

func (f *fakeLedgerStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeLedgerStore) ListNegativeBalances(_ context.Context, limit int) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.User
	for _, u := range f.users {
		if u.IsNegative() && len(out) < limit {
			out = append(out, *u)
		}
	}
	return out, nil
}

// PackageRepository

func (f *fakeLedgerStore) GetCurrentPackage(_ context.Context, userID string) (*model.UserPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.packages {
		if p.UserID == userID && (p.Status == model.PackageStatusActive || p.Status == model.PackageStatusTrialing) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeLedgerStore) ListDueRenewals(context.Context, time.Time, int) ([]model.DuePackage, error) {
	return f.dueRenewals, nil
}

func (f *fakeLedgerStore) ListDueTrials(context.Context, time.Time, int) ([]model.DuePackage, error) {
	return f.dueTrials, nil
}

func (f *fakeLedgerStore) AdvancePeriod(_ context.Context, _ repository.Querier, id string, start, end time.Time) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advanced[id] = [2]time.Time{start, end}
	return nil
}

func (f *fakeLedgerStore) ActivateTrial(_ context.Context, id string, start, end time.Time) (bool, error) {
	f.activated[id] = [2]time.Time{start, end}
	return true, nil
}

func (f *fakeLedgerStore) Expire(_ context.Context, id string) (bool, error) {
	f.expired = append(f.expired, id)
	return true, nil
}

// PricingRepository

func (f *fakeLedgerStore) FindPricing(_ context.Context, packageID, messageType string, direction model.Direction) (*model.MessagingPricing, error) {
	for _, p := range f.pricing {
		if p.PackageID == packageID && p.MessageType == messageType && p.Direction == direction {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

// LedgerRepository. The balance change and the ledger row are applied together
// only when inTx succeeds, mirroring the database transaction.
func (f *fakeLedgerStore) ApplyDebit(ctx context.Context, d repository.Debit, inTx repository.InTxFunc) (*repository.DebitResult, error) {
	f.mu.Lock()
	_, ok := f.users[d.UserID]
	debitErr := f.debitErr
	f.mu.Unlock()
	if debitErr != nil {
		return nil, debitErr
	}
	if !ok {
		return nil, repository.ErrUserNotFound
	}

	if inTx != nil {
		if err := inTx(ctx, nil); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[d.UserID]
	before := u.CurrentCredit
	after := before.Sub(d.Amount)
	u.CurrentCredit = after
	tx := model.BillingTransaction{
		ID:                 uuid.NewString(),
		UserID:             d.UserID,
		AgencyID:           d.AgencyID,
		Amount:             d.Amount,
		Type:               d.Type,
		ContactID:          d.ContactID,
		ConversationID:     d.ConversationID,
		BroadcastID:        d.BroadcastID,
		MessagingPricingID: d.MessagingPricingID,
		UserPackageID:      d.UserPackageID,
		Reason:             d.Reason,
		BalanceAfter:       after,
		CreatedAt:          time.Now(),
	}
	f.transactions = append(f.transactions, tx)
	return &repository.DebitResult{BalanceBefore: before, BalanceAfter: after, Transaction: &tx}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []LeaseAlert
	err    error
}

func (a *recordingAlerter) LeaseWedged(_ context.Context, alert LeaseAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return a.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return "msg-" + topic, nil
}

var errBoom = errors.New("boom")
