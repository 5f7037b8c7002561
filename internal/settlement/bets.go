package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quantscafe/quantscafe/internal/core"
)

// PlaceBet debits the stake and records an open bet in one transaction
func (s *Service) PlaceBet(ctx context.Context, bet *core.Bet) error {
	if bet.AgentID == "" || bet.MarketID == "" || bet.Outcome == "" {
		return fmt.Errorf("%w: agent, market and outcome are required", core.ErrMissingRequired)
	}
	if bet.Stake <= 0 || bet.OddsBps <= 0 {
		return fmt.Errorf("%w: stake and odds must be positive", core.ErrInvalidInput)
	}

	release, err := s.locks.acquire(ctx, bet.AgentID)
	if err != nil {
		return err
	}
	defer release()

	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := s.assets.AdjustBalance(ctx, tx, bet.AgentID, -bet.Stake); err != nil {
			return err
		}
		return s.bets.CreateTx(ctx, tx, bet)
	})
	if err != nil {
		return err
	}

	s.log.WithFields(map[string]interface{}{
		"bet":     bet.ID,
		"agent":   bet.AgentID,
		"market":  bet.MarketID,
		"outcome": bet.Outcome,
		"stake":   bet.Stake,
	}).Debug("bet placed")
	return nil
}

// SettleBet resolves an open bet against the winning outcome and credits the payout
// when it won. It reports false if the bet had already been settled, so a payout is
// never credited twice.
func (s *Service) SettleBet(ctx context.Context, id core.BetID, winningOutcome string) (bool, error) {
	bet, err := s.bets.Get(ctx, id)
	if err != nil {
		return false, err
	}

	release, err := s.locks.acquire(ctx, bet.AgentID)
	if err != nil {
		return false, err
	}
	defer release()

	status, payout := core.BetLost, int64(0)
	if bet.Outcome == winningOutcome {
		status, payout = core.BetWon, bet.PayoutFor()
	}

	var settled bool
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		ok, err := s.bets.ResolveTx(ctx, tx, id, status, payout)
		if err != nil || !ok {
			return err
		}
		if payout > 0 {
			if _, err := s.assets.AdjustBalance(ctx, tx, bet.AgentID, payout); err != nil {
				return err
			}
		}
		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if settled {
		s.log.WithFields(map[string]interface{}{
			"bet":    id,
			"status": status,
			"payout": payout,
		}).Info("bet settled")
	}
	return settled, nil
}
