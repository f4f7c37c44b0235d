package service

import (
	"context"
	"testing"
	"time"

	"escrowbet/events"
	"escrowbet/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testRules = LedgerRules{
	MinBet:        1_000,
	MaxBet:        1_000_000,
	WinMultiplier: decimal.RequireFromString("1.8"),
	ClaimLease:    time.Minute,
}

type ledgerMocks struct {
	factory   *MockUnitOfWorkFactory
	uow       *MockUnitOfWork
	repo      *MockBetRepository
	publisher *MockEventPublisher
}

func newLedgerMocks() *ledgerMocks {
	m := &ledgerMocks{
		factory:   new(MockUnitOfWorkFactory),
		uow:       new(MockUnitOfWork),
		repo:      new(MockBetRepository),
		publisher: new(MockEventPublisher),
	}
	m.uow.SetRepositories(m.repo, m.publisher)
	m.factory.On("Create").Return(m.uow)
	m.uow.On("Begin", mock.Anything).Return(nil)
	m.uow.On("Commit").Return(nil).Maybe()
	m.uow.On("Rollback").Return(nil)
	return m
}

func (m *ledgerMocks) assertExpectations(t *testing.T) {
	m.factory.AssertExpectations(t)
	m.uow.AssertExpectations(t)
	m.repo.AssertExpectations(t)
	m.publisher.AssertExpectations(t)
}

func pendingBet(id int64, amount uint64) *models.Bet {
	return &models.Bet{
		ID:          id,
		OwnerRef:    player,
		Amount:      amount,
		State:       models.BetStatePending,
		PaymentRef:  "R1",
		PayoutState: models.PayoutStateNone,
	}
}

func TestBetLedger_Place_DuplicatePayment(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	m.repo.On("Create", ctx, mock.MatchedBy(func(b *models.Bet) bool {
		return b.PaymentRef == "R1" && b.Amount == 50_000 && b.OwnerRef == player
	})).Return(nil).Run(func(args mock.Arguments) {
		b := args.Get(1).(*models.Bet)
		b.ID = 1
		b.State = models.BetStatePending
		b.PayoutState = models.PayoutStateNone
	}).Once()
	m.repo.On("Create", ctx, mock.Anything).Return(models.ErrDuplicatePayment).Once()
	m.publisher.On("Publish", events.BetPlacedEvent{BetID: 1, OwnerRef: player, Amount: 50_000, PaymentRef: "R1"}).Once()

	bet, err := l.Place(ctx, player, 50_000, "R1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bet.ID)
	assert.Equal(t, models.BetStatePending, bet.State)

	_, err = l.Place(ctx, "AnotherOwner", 70_000, "R1")
	assert.ErrorIs(t, err, models.ErrDuplicatePayment)

	m.uow.AssertNumberOfCalls(t, "Commit", 1)
	m.assertExpectations(t)
}

func TestBetLedger_Place_AlreadyPending(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	m.repo.On("Create", ctx, mock.Anything).Return(models.ErrAlreadyPending)

	_, err := l.Place(ctx, player, 50_000, "R2")
	assert.ErrorIs(t, err, models.ErrAlreadyPending)
	m.uow.AssertNotCalled(t, "Commit")
}

func TestBetLedger_Place_InvalidAmount(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	for _, amount := range []uint64{0, 999, 1_000_001} {
		_, err := l.Place(ctx, player, amount, "R1")
		assert.ErrorIs(t, err, models.ErrInvalidAmount, "amount %d", amount)
	}
	m.factory.AssertNotCalled(t, "Create")
}

func TestBetLedger_Settle_Win(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	clock, err := NewPeriodClock(testEpoch, 4)
	require.NoError(t, err)
	clock.now = func() time.Time { return testEpoch.Add(2*week + time.Hour) }
	l := NewBetLedger(m.factory, testRules, clock, NewBonusRoller(&sequenceSource{values: []float64{0.1}}, 1.0/3.0))

	settled := pendingBet(7, 50_000)
	settled.State = models.BetStateWon
	settled.PayoutAmount = 90_000
	settled.PayoutState = models.PayoutStatePending
	settled.BonusSlot = true

	m.repo.On("GetByID", ctx, int64(7)).Return(pendingBet(7, 50_000), nil)
	m.repo.On("Settle", ctx, int64(7), models.Settlement{
		OutcomeScore: 150_000,
		State:        models.BetStateWon,
		PayoutAmount: 90_000,
		BonusSlot:    true,
		PeriodWeek:   3,
	}).Return(settled, nil)
	m.publisher.On("Publish", mock.MatchedBy(func(e events.BetSettledEvent) bool {
		return e.BetID == 7 && e.Won && e.PayoutAmount == 90_000 && e.BonusSlot && e.PeriodWeek == 3
	}))

	bet, err := l.Settle(ctx, 7, 150_000, true)
	require.NoError(t, err)
	assert.Equal(t, models.BetStateWon, bet.State)
	assert.Equal(t, uint64(90_000), bet.PayoutAmount)
	assert.Equal(t, models.PayoutStatePending, bet.PayoutState)
	m.assertExpectations(t)
}

func TestBetLedger_Settle_LossPaysNothingAndSkipsBonus(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	src := &sequenceSource{values: []float64{0}}
	l := NewBetLedger(m.factory, testRules, nil, NewBonusRoller(src, 1))

	lost := pendingBet(8, 50_000)
	lost.State = models.BetStateLost

	m.repo.On("GetByID", ctx, int64(8)).Return(pendingBet(8, 50_000), nil)
	m.repo.On("Settle", ctx, int64(8), models.Settlement{
		OutcomeScore: 10,
		State:        models.BetStateLost,
	}).Return(lost, nil)
	m.publisher.On("Publish", mock.AnythingOfType("events.BetSettledEvent"))

	bet, err := l.Settle(ctx, 8, 10, false)
	require.NoError(t, err)
	assert.Zero(t, bet.PayoutAmount)
	assert.Equal(t, 0, src.next)
	m.assertExpectations(t)
}

func TestBetLedger_Settle_Twice(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	settled := pendingBet(9, 50_000)
	settled.State = models.BetStateWon
	settled.PayoutAmount = 90_000
	settled.PayoutState = models.PayoutStatePending

	m.repo.On("GetByID", ctx, int64(9)).Return(pendingBet(9, 50_000), nil).Once()
	m.repo.On("Settle", ctx, int64(9), mock.Anything).Return(settled, nil).Once()
	m.repo.On("GetByID", ctx, int64(9)).Return(settled, nil).Once()
	m.publisher.On("Publish", mock.AnythingOfType("events.BetSettledEvent")).Once()

	first, err := l.Settle(ctx, 9, 150_000, true)
	require.NoError(t, err)

	_, err = l.Settle(ctx, 9, 10, false)
	assert.ErrorIs(t, err, models.ErrAlreadySettled)
	assert.Equal(t, uint64(90_000), first.PayoutAmount)
	m.assertExpectations(t)
}

func TestBetLedger_Settle_LosesRace(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	m.repo.On("GetByID", ctx, int64(10)).Return(pendingBet(10, 50_000), nil)
	m.repo.On("Settle", ctx, int64(10), mock.Anything).Return(nil, nil)

	_, err := l.Settle(ctx, 10, 150_000, true)
	assert.ErrorIs(t, err, models.ErrAlreadySettled)
	m.uow.AssertNotCalled(t, "Commit")
}

func TestBetLedger_Settle_NotFound(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	m.repo.On("GetByID", ctx, int64(404)).Return(nil, nil)

	_, err := l.Settle(ctx, 404, 1, true)
	assert.ErrorIs(t, err, models.ErrBetNotFound)
}

func TestBetLedger_PayoutFor(t *testing.T) {
	l := NewBetLedger(nil, testRules, nil, nil)
	assert.Equal(t, uint64(90_000), l.PayoutFor(50_000, true))
	assert.Equal(t, uint64(1_801), l.PayoutFor(1_001, true), "floor of 1801.8")
	assert.Zero(t, l.PayoutFor(50_000, false))
}

func TestBetLedger_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending bet", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		cancelled := pendingBet(1, 5_000)
		cancelled.State = models.BetStateCancelled
		m.repo.On("GetByID", ctx, int64(1)).Return(pendingBet(1, 5_000), nil)
		m.repo.On("Cancel", ctx, int64(1)).Return(cancelled, nil)
		m.publisher.On("Publish", events.BetCancelledEvent{BetID: 1, OwnerRef: player})

		bet, err := l.Cancel(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.BetStateCancelled, bet.State)
		m.assertExpectations(t)
	})

	t.Run("settled bet is rejected before the write", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		won := pendingBet(2, 5_000)
		won.State = models.BetStateWon
		m.repo.On("GetByID", ctx, int64(2)).Return(won, nil)

		_, err := l.Cancel(ctx, 2)
		assert.ErrorIs(t, err, models.ErrNotCancellable)
		m.repo.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	})

	t.Run("settled between read and write", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		m.repo.On("GetByID", ctx, int64(4)).Return(pendingBet(4, 5_000), nil)
		m.repo.On("Cancel", ctx, int64(4)).Return(nil, nil)

		_, err := l.Cancel(ctx, 4)
		assert.ErrorIs(t, err, models.ErrNotCancellable)
		m.uow.AssertNotCalled(t, "Commit")
	})

	t.Run("missing bet", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		m.repo.On("GetByID", ctx, int64(3)).Return(nil, nil)

		_, err := l.Cancel(ctx, 3)
		assert.ErrorIs(t, err, models.ErrBetNotFound)
		m.repo.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	})
}

func TestBetLedger_Settle_TerminalBetIsNotWritten(t *testing.T) {
	ctx := context.Background()

	for _, state := range []models.BetState{models.BetStateWon, models.BetStateLost, models.BetStateCancelled} {
		t.Run(string(state), func(t *testing.T) {
			m := newLedgerMocks()
			l := NewBetLedger(m.factory, testRules, nil, nil)
			bet := pendingBet(11, 50_000)
			bet.State = state
			m.repo.On("GetByID", ctx, int64(11)).Return(bet, nil)

			_, err := l.Settle(ctx, 11, 150_000, true)
			assert.ErrorIs(t, err, models.ErrAlreadySettled)
			m.repo.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestBetLedger_RecordPayoutSubmission(t *testing.T) {
	ctx := context.Background()
	claimedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	won := pendingBet(5, 50_000)
	won.State = models.BetStateWon
	won.PayoutState = models.PayoutStatePending
	won.PayoutClaimedAt = &claimedAt
	sub := models.PayoutSubmission{Ref: "sig-5", LastValidHeight: 1_000}

	t.Run("claim held", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		m.repo.On("RecordPayoutSubmission", ctx, int64(5), claimedAt, sub).Return(won, nil)

		assert.NoError(t, l.RecordPayoutSubmission(ctx, won, sub))
		m.assertExpectations(t)
	})

	t.Run("claim lost", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		m.repo.On("RecordPayoutSubmission", ctx, int64(5), claimedAt, sub).Return(nil, nil)

		assert.ErrorIs(t, l.RecordPayoutSubmission(ctx, won, sub), models.ErrPayoutClaimed)
	})

	t.Run("never claimed", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		unclaimed := *won
		unclaimed.PayoutClaimedAt = nil

		assert.ErrorIs(t, l.RecordPayoutSubmission(ctx, &unclaimed, sub), models.ErrPayoutClaimed)
		m.repo.AssertNotCalled(t, "RecordPayoutSubmission", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestBetLedger_ClaimPayout(t *testing.T) {
	ctx := context.Background()
	won := pendingBet(5, 50_000)
	won.State = models.BetStateWon
	won.PayoutAmount = 90_000
	won.PayoutState = models.PayoutStatePending

	t.Run("claimed", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		m.repo.On("ClaimPayout", ctx, int64(5), time.Minute).Return(won, nil)

		bet, err := l.ClaimPayout(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), bet.ID)
	})

	t.Run("live claim held elsewhere", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		m.repo.On("ClaimPayout", ctx, int64(5), time.Minute).Return(nil, nil)
		m.repo.On("GetByID", ctx, int64(5)).Return(won, nil)

		_, err := l.ClaimPayout(ctx, 5)
		assert.ErrorIs(t, err, models.ErrPayoutClaimed)
	})

	t.Run("already paid", func(t *testing.T) {
		m := newLedgerMocks()
		l := NewBetLedger(m.factory, testRules, nil, nil)
		paid := *won
		paid.PayoutState = models.PayoutStateCompleted
		m.repo.On("ClaimPayout", ctx, int64(5), time.Minute).Return(nil, nil)
		m.repo.On("GetByID", ctx, int64(5)).Return(&paid, nil)

		_, err := l.ClaimPayout(ctx, 5)
		assert.ErrorIs(t, err, models.ErrPayoutNotPending)
	})
}

func TestBetLedger_RecordPayout_NoOpWhenNotAwaiting(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	m.repo.On("RecordPayoutSuccess", ctx, int64(6), "sig").Return(nil, nil)
	m.repo.On("RecordPayoutPending", ctx, int64(6), models.PayoutPending{Error: "x"}).Return(nil, nil)

	bet, err := l.RecordPayoutSuccess(ctx, 6, "sig")
	assert.NoError(t, err)
	assert.Nil(t, bet)

	bet, err = l.RecordPayoutPending(ctx, 6, models.PayoutPending{Error: "x"})
	assert.NoError(t, err)
	assert.Nil(t, bet)

	m.publisher.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestBetLedger_RecordPayoutSuccess(t *testing.T) {
	ctx := context.Background()
	m := newLedgerMocks()
	l := NewBetLedger(m.factory, testRules, nil, nil)

	ref := "sig"
	paid := pendingBet(6, 50_000)
	paid.State = models.BetStateWon
	paid.PayoutAmount = 90_000
	paid.PayoutState = models.PayoutStateCompleted
	paid.PayoutRef = &ref

	m.repo.On("RecordPayoutSuccess", ctx, int64(6), ref).Return(paid, nil)
	m.publisher.On("Publish", events.PayoutCompletedEvent{BetID: 6, OwnerRef: player, Amount: 90_000, PayoutRef: ref})

	bet, err := l.RecordPayoutSuccess(ctx, 6, ref)
	require.NoError(t, err)
	assert.Equal(t, models.DisplayStatusPaid, bet.DisplayStatus())
	m.assertExpectations(t)
}
