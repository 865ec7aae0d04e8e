// Package ledger moves reward tokens on the external chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/config"
)

// Ledger errors.
var (
	ErrInvalidAddress      = apperr.New(apperr.KindValidation, "invalid_address", "invalid wallet address")
	ErrDepositNotFound     = apperr.New(apperr.KindValidation, "deposit_not_found", "deposit transaction not found")
	ErrDepositMismatch     = apperr.New(apperr.KindValidation, "deposit_mismatch", "deposit transaction does not transfer the staked amount to the treasury")
	ErrTransferReverted    = errors.New("transfer reverted")
	ErrTransferNotMined    = errors.New("transfer not mined yet")
	ErrTransferUnconfirmed = errors.New("transfer submitted but not confirmed")
)

// Ledger is the token ledger used for deposits, claims and withdrawals.
type Ledger interface {
	// EnsureTreasury fails with apperr.ErrTreasuryUnderfunded when the
	// treasury cannot pay amount plus fees.
	EnsureTreasury(ctx context.Context, amount decimal.Decimal) error

	// Send signs and broadcasts a transfer of amount from the treasury to
	// the wallet and returns its hash. It does not wait for the transfer to
	// be mined; an error means nothing was broadcast.
	Send(ctx context.Context, to string, amount decimal.Decimal) (string, error)

	// Await waits until a broadcast transfer is mined and confirmed. It
	// returns ErrTransferReverted for a failed transfer and wraps
	// ErrTransferUnconfirmed when ctx or the confirmation timeout ends first.
	Await(ctx context.Context, txHash string) error

	// Confirm reports the outcome of a previously broadcast transfer:
	// nil once mined successfully, ErrTransferNotMined or ErrTransferReverted.
	Confirm(ctx context.Context, txHash string) error

	// VerifyDeposit checks that txHash moved at least amount from the wallet
	// to the treasury.
	VerifyDeposit(ctx context.Context, txHash, from string, amount decimal.Decimal) error

	Close()
}

// Transfer sends amount and waits for it to confirm. When the transfer was
// broadcast but its outcome is unknown, the hash is returned together with
// ErrTransferUnconfirmed.
func Transfer(ctx context.Context, l Ledger, to string, amount decimal.Decimal) (string, error) {
	hash, err := l.Send(ctx, to, amount)
	if err != nil {
		return "", err
	}
	if err := l.Await(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

// Open returns the EVM ledger, or a DryRun ledger when no RPC endpoint is
// configured.
func Open(ctx context.Context, cfg config.LedgerConfig) (Ledger, error) {
	if cfg.RPCURL == "" {
		return NewDryRun(), nil
	}
	return Dial(ctx, cfg)
}

// DryRun is a Ledger that records transfers in memory without touching a
// chain. It is used when no RPC endpoint is configured.
type DryRun struct {
	mu        sync.Mutex
	transfers map[string]decimal.Decimal
}

// NewDryRun creates an in-memory ledger.
func NewDryRun() *DryRun {
	log.Warn().Msg("Ledger running in dry-run mode, no tokens will move")
	return &DryRun{transfers: make(map[string]decimal.Decimal)}
}

func (d *DryRun) EnsureTreasury(context.Context, decimal.Decimal) error {
	return nil
}

func (d *DryRun) Send(_ context.Context, to string, amount decimal.Decimal) (string, error) {
	hash := "dryrun-" + uuid.NewString()

	d.mu.Lock()
	d.transfers[hash] = amount
	d.mu.Unlock()

	log.Info().
		Str("to", to).
		Str("amount", amount.String()).
		Str("tx_hash", hash).
		Msg("[DRY-RUN] Transfer")
	return hash, nil
}

func (d *DryRun) Await(ctx context.Context, txHash string) error {
	if err := d.Confirm(ctx, txHash); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferUnconfirmed, err)
	}
	return nil
}

func (d *DryRun) Confirm(_ context.Context, txHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.transfers[txHash]; !ok {
		return ErrTransferNotMined
	}
	return nil
}

func (d *DryRun) VerifyDeposit(_ context.Context, txHash, from string, amount decimal.Decimal) error {
	if txHash == "" {
		return ErrDepositNotFound
	}
	log.Info().
		Str("from", from).
		Str("amount", amount.String()).
		Str("tx_hash", txHash).
		Msg("[DRY-RUN] Deposit accepted without verification")
	return nil
}

func (d *DryRun) Close() {}
