package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/polycopy/tracer/pkg/domain"
)

// newMockStore wires a Store to a sqlmock-backed connection, the same
// approach blackholedex's recorder tests use to exercise GORM query
// construction without a live database.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		WithoutReturning:     true,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}

	return &Store{db: gormDB}, mock
}

func TestGetPollStateReturnsZeroValueWhenMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "poll_state"`).
		WithArgs("0xabc", 1).
		WillReturnRows(sqlmock.NewRows(nil))

	state, err := s.GetPollState(context.Background(), domain.Wallet("0xabc"))
	if err != nil {
		t.Fatalf("GetPollState: %v", err)
	}
	if state.Wallet != "0xabc" || !state.LastTradeTimeSeen.IsZero() {
		t.Fatalf("expected zero-value state for unseen wallet, got %+v", state)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdatePollStateUpsertsWithGreatest(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO poll_state.*GREATEST\(poll_state\.last_trade_time_seen, excluded\.last_trade_time_seen\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now().UTC()
	if err := s.UpdatePollState(context.Background(), domain.Wallet("0xabc"), now, now); err != nil {
		t.Fatalf("UpdatePollState: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertTradesIsLatestWinsOnConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "trades".*ON CONFLICT \("trade_id"\) DO UPDATE SET.*WHERE excluded\.source_updated_at >= trades\.source_updated_at`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	trade := domain.Trade{
		TradeID:         "0xabc",
		Wallet:          domain.Wallet("0xabc"),
		ConditionID:     "m1",
		Side:            domain.Buy,
		Size:            10,
		Price:           0.5,
		Timestamp:       time.Now().UTC(),
		SourceUpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertTrades(context.Background(), []domain.Trade{trade}); err != nil {
		t.Fatalf("UpsertTrades: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertTradesIgnoreDuplicatesSkipsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "trades".*ON CONFLICT.*DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	trade := domain.Trade{
		TradeID:         "0xdef",
		Wallet:          domain.Wallet("0xdef"),
		ConditionID:     "m2",
		Side:            domain.Sell,
		Size:            5,
		Price:           0.3,
		Timestamp:       time.Now().UTC(),
		SourceUpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertTradesIgnoreDuplicates(context.Background(), []domain.Trade{trade}); err != nil {
		t.Fatalf("UpsertTradesIgnoreDuplicates: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAcquireNamedLockSucceedsWhenRowAffected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO named_locks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.AcquireNamedLock(context.Background(), "cold-poll", "replica-1", time.Hour)
	if err != nil {
		t.Fatalf("AcquireNamedLock: %v", err)
	}
	if !ok {
		t.Fatal("expected lock acquisition to succeed")
	}
}

func TestAcquireNamedLockFailsWhenHeldByAnother(t *testing.T) {
	s, mock := newMockStore(t)

	// The conflict's WHERE clause excludes the update: zero rows affected.
	mock.ExpectExec(`INSERT INTO named_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AcquireNamedLock(context.Background(), "cold-poll", "replica-2", time.Hour)
	if err != nil {
		t.Fatalf("AcquireNamedLock: %v", err)
	}
	if ok {
		t.Fatal("expected lock acquisition to fail while held by another replica")
	}
}

func TestExtendNamedLockRequiresMatchingHolder(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE named_locks SET locked_until .* WHERE name = .* AND holder_id = `).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ExtendNamedLock(context.Background(), "cold-poll", "not-the-holder", time.Hour)
	if err != nil {
		t.Fatalf("ExtendNamedLock: %v", err)
	}
	if ok {
		t.Fatal("expected extend to fail for non-holder")
	}
}
