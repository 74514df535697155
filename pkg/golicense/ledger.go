package golicense

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// unmeteredPrefix marks receipts of consumptions that debited nothing.
// They are not stored; refunding one succeeds without touching the ledger.
const unmeteredPrefix = "unmetered-"

func newUnmeteredID() string {
	return unmeteredPrefix + uuid.NewString()
}

func isUnmeteredID(consumptionID string) bool {
	rest, ok := strings.CutPrefix(consumptionID, unmeteredPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// GetBalance returns the user's credit standing in the current cycle. A
// cycle that has ended reads as fully available even before the reset is
// persisted.
func (m *Manager) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	ent, err := m.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent.Unlimited {
		return unlimitedBalance(), nil
	}

	acct, err := m.creditAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	anchor, err := m.accountAnchor(ctx, userID, ent, acct)
	if err != nil {
		return nil, err
	}
	cycle := CycleAt(anchor, m.now())

	if acct == nil {
		return balanceFor(ent.CreditAllowance, 0, cycle.End), nil
	}
	view := *acct
	RollCycle(&view, cycle)
	return balanceFor(ent.CreditAllowance, view.Used, view.ResetDate), nil
}

// Consume charges the configured price of action. Users with unlimited
// credits are never debited and receive a receipt that needs no refund.
func (m *Manager) Consume(ctx context.Context, userID string, action ActionType,
	metadata map[string]string) (*ConsumeResult, error) {
	cost, err := m.ActionCost(action)
	if err != nil {
		return nil, err
	}
	return m.ConsumeAmount(ctx, userID, action, cost, metadata)
}

// ConsumeAmount atomically debits amount credits. The check and the debit
// happen in a single storage operation so concurrent callers can never
// overdraw the balance.
func (m *Manager) ConsumeAmount(ctx context.Context, userID string, action ActionType, amount int,
	metadata map[string]string) (*ConsumeResult, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	ent, err := m.Resolve(ctx, userID)
	if err != nil {
		m.metrics.RecordConsumption(string(action), amount, false, false)
		return nil, err
	}

	if ent.Unlimited {
		m.metrics.RecordConsumption(string(action), amount, true, true)
		return &ConsumeResult{
			ConsumptionID: newUnmeteredID(),
			Cost:          amount,
			Unlimited:     true,
			Balance:       *unlimitedBalance(),
		}, nil
	}

	if amount == 0 {
		bal, err := m.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &ConsumeResult{ConsumptionID: newUnmeteredID(), NewRemaining: bal.Remaining, Balance: *bal}, nil
	}

	acct, err := m.creditAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	anchor, err := m.accountAnchor(ctx, userID, ent, acct)
	if err != nil {
		return nil, err
	}

	now := m.now()
	req := &ConsumeRequest{
		ConsumptionID: uuid.NewString(),
		UserID:        userID,
		Action:        action,
		Amount:        amount,
		Total:         ent.CreditAllowance,
		Anchor:        anchor,
		Cycle:         CycleAt(anchor, now),
		Metadata:      metadata,
		Now:           now,
	}

	err = m.timed("consume_credits", func() error {
		var e error
		acct, e = m.storage.ConsumeCredits(ctx, req)
		return e
	})
	if err != nil {
		m.metrics.RecordConsumption(string(action), amount, false, false)
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			m.logger.Debug("credit consumption denied",
				Field{"userId", userID},
				Field{"action", string(action)},
				Field{"required", insufficient.Required},
				Field{"remaining", insufficient.Remaining},
			)
			return nil, err
		}
		m.logger.Error("credit consumption failed",
			Field{"userId", userID},
			Field{"action", string(action)},
			Field{"error", err.Error()},
		)
		return nil, fmt.Errorf("consume credits: %w", err)
	}

	m.metrics.RecordConsumption(string(action), amount, false, true)
	bal := balanceFor(ent.CreditAllowance, acct.Used, acct.ResetDate)
	return &ConsumeResult{
		ConsumptionID: req.ConsumptionID,
		Cost:          amount,
		NewRemaining:  bal.Remaining,
		Balance:       *bal,
	}, nil
}

// Refund returns the credits of a previous consumption, typically because
// the paid work it guarded failed. Each consumption is refunded at most
// once; refunding a consumption from an earlier cycle has no effect on the
// current balance. Receipts issued to unlimited users debited nothing, so
// refunding them only reports the current balance.
func (m *Manager) Refund(ctx context.Context, userID, consumptionID, reason string) (*Balance, error) {
	if consumptionID == "" {
		return nil, ErrConsumptionNotFound
	}
	if isUnmeteredID(consumptionID) {
		m.logger.Debug("refund of unmetered consumption",
			Field{"userId", userID},
			Field{"consumptionId", consumptionID},
			Field{"reason", reason},
		)
		return m.GetBalance(ctx, userID)
	}

	var rec *ConsumptionRecord
	err := m.timed("get_consumption", func() error {
		var e error
		rec, e = m.storage.GetConsumptionRecord(ctx, consumptionID)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("refund credits: %w", err)
	}
	if rec == nil || rec.UserID != userID {
		return nil, ErrConsumptionNotFound
	}

	ent, err := m.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	acct, err := m.creditAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	anchor, err := m.accountAnchor(ctx, userID, ent, acct)
	if err != nil {
		return nil, err
	}

	now := m.now()
	err = m.timed("refund_credits", func() error {
		var e error
		acct, e = m.storage.RefundCredits(ctx, &RefundRequest{
			ConsumptionID: consumptionID,
			UserID:        userID,
			Reason:        reason,
			Cycle:         CycleAt(anchor, now),
			Now:           now,
		})
		return e
	})
	if err != nil {
		if errors.Is(err, ErrConsumptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("refund credits: %w", err)
	}

	if !rec.Refunded {
		m.metrics.RecordCreditRefund(string(rec.Action), rec.Amount)
		m.logger.Info("credits refunded",
			Field{"userId", userID},
			Field{"consumptionId", consumptionID},
			Field{"amount", rec.Amount},
			Field{"reason", reason},
		)
	}

	if ent.Unlimited {
		return unlimitedBalance(), nil
	}
	return balanceFor(ent.CreditAllowance, acct.Used, acct.ResetDate), nil
}

// ResetIfDue persists the cycle rollover when the reset date has passed and
// returns the resulting balance. Calling it before the reset date changes
// nothing.
func (m *Manager) ResetIfDue(ctx context.Context, userID string) (*Balance, error) {
	ent, err := m.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	acct, err := m.creditAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	anchor, err := m.accountAnchor(ctx, userID, ent, acct)
	if err != nil {
		return nil, err
	}

	cycle := CycleAt(anchor, m.now())
	err = m.timed("reset_credits", func() error {
		var e error
		acct, e = m.storage.ResetCredits(ctx, userID, anchor, cycle)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("reset credits: %w", err)
	}

	if ent.Unlimited {
		return unlimitedBalance(), nil
	}
	return balanceFor(ent.CreditAllowance, acct.Used, acct.ResetDate), nil
}

func (m *Manager) creditAccount(ctx context.Context, userID string) (*CreditAccount, error) {
	var acct *CreditAccount
	err := m.timed("get_credit_account", func() error {
		var e error
		acct, e = m.storage.GetCreditAccount(ctx, userID)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	return acct, nil
}

// accountAnchor picks the date credit cycles count from: the stored anchor,
// else the first purchase, else account creation, else today.
func (m *Manager) accountAnchor(ctx context.Context, userID string, ent *Entitlement,
	acct *CreditAccount) (time.Time, error) {
	if acct != nil && !acct.Anchor.IsZero() {
		return acct.Anchor, nil
	}
	if !ent.Anchor.IsZero() {
		return startOfDayUTC(ent.Anchor), nil
	}

	user, err := m.storage.GetUser(ctx, userID)
	switch {
	case err == nil && !user.CreatedAt.IsZero():
		return startOfDayUTC(user.CreatedAt), nil
	case err == nil, errors.Is(err, ErrUserNotFound):
		return startOfDayUTC(m.now()), nil
	default:
		return time.Time{}, fmt.Errorf("get user: %w", err)
	}
}
