package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/config"
)

// erc20ABI covers the subset of ERC20 the engine calls.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// confirmPollInterval is how often block height is polled while waiting
// for confirmations.
const confirmPollInterval = 2 * time.Second

// sendTimeout bounds the broadcast of one signed transfer.
const sendTimeout = 30 * time.Second

// EVM is a Ledger backed by an ERC20 token on an EVM chain. Transfers are
// signed by a single treasury key and serialized so nonces never collide.
type EVM struct {
	cfg      config.LedgerConfig
	client   *ethclient.Client
	token    *bind.BoundContract
	tokenABI abi.ABI
	tokenAdr common.Address
	key      *ecdsa.PrivateKey
	treasury common.Address
	chainID  *big.Int
	minGas   *big.Int
	limiter  *rate.Limiter

	sendMu sync.Mutex
}

// Dial connects to the RPC endpoint and verifies the chain ID.
func Dial(ctx context.Context, cfg config.LedgerConfig) (*EVM, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", cfg.TokenAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.TreasuryKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse treasury key: %w", err)
	}

	minGas, ok := new(big.Int).SetString(cfg.MinGasBalance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid min gas balance %q", cfg.MinGasBalance)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %s", cfg.ChainID, chainID)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	tokenAdr := common.HexToAddress(cfg.TokenAddress)
	e := &EVM{
		cfg:      cfg,
		client:   client,
		token:    bind.NewBoundContract(tokenAdr, parsedABI, client, client, client),
		tokenABI: parsedABI,
		tokenAdr: tokenAdr,
		key:      key,
		treasury: crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		minGas:   minGas,
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}

	log.Info().
		Str("token", tokenAdr.Hex()).
		Str("treasury", e.treasury.Hex()).
		Int64("chain_id", cfg.ChainID).
		Msg("Connected to token ledger")

	return e, nil
}

// Treasury returns the treasury address.
func (e *EVM) Treasury() common.Address {
	return e.treasury
}

func (e *EVM) toUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(e.cfg.TokenDecimals).BigInt()
}

func (e *EVM) wait(ctx context.Context) error {
	return e.limiter.Wait(ctx)
}

// BalanceOf returns the token balance of addr.
func (e *EVM) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	var result []interface{}
	if err := e.token.Call(&bind.CallOpts{Context: ctx}, &result, "balanceOf", addr); err != nil {
		return nil, fmt.Errorf("failed to get token balance: %w", err)
	}
	if len(result) == 0 {
		return big.NewInt(0), nil
	}
	if balance, ok := result[0].(*big.Int); ok {
		return balance, nil
	}
	return big.NewInt(0), nil
}

func (e *EVM) EnsureTreasury(ctx context.Context, amount decimal.Decimal) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	gas, err := e.client.BalanceAt(ctx, e.treasury, nil)
	if err != nil {
		return fmt.Errorf("failed to get treasury gas balance: %w", err)
	}
	if gas.Cmp(e.minGas) < 0 {
		log.Warn().Str("gas_balance", gas.String()).Str("required", e.minGas.String()).Msg("Treasury gas balance too low")
		return apperr.ErrTreasuryUnderfunded
	}

	tokens, err := e.BalanceOf(ctx, e.treasury)
	if err != nil {
		return err
	}
	if tokens.Cmp(e.toUnits(amount)) < 0 {
		log.Warn().Str("token_balance", tokens.String()).Str("required", amount.String()).Msg("Treasury token balance too low")
		return apperr.ErrTreasuryUnderfunded
	}
	return nil
}

func (e *EVM) Send(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", ErrInvalidAddress
	}
	units := e.toUnits(amount)
	if units.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount %s is below token precision", amount)
	}

	tx, err := e.send(ctx, common.HexToAddress(to), units)
	if err != nil {
		return "", err
	}
	hash := tx.Hash().Hex()

	log.Info().
		Str("to", to).
		Str("amount", amount.String()).
		Str("tx_hash", hash).
		Msg("Transfer submitted")
	return hash, nil
}

func (e *EVM) Await(ctx context.Context, txHash string) error {
	waitCtx := ctx
	if e.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
		defer cancel()
	}

	receipt, err := e.waitMined(waitCtx, common.HexToHash(txHash))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferUnconfirmed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrTransferReverted
	}
	if err := e.waitConfirmations(waitCtx, receipt.BlockNumber.Uint64()); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferUnconfirmed, err)
	}
	return nil
}

// waitMined polls for the receipt of hash until it is mined or ctx ends.
func (e *EVM) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		if err := e.wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("Receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// send signs and broadcasts one transfer. The nonce is read from the
// pending state under sendMu so a failed broadcast never leaves a gap.
func (e *EVM) send(ctx context.Context, to common.Address, units *big.Int) (*types.Transaction, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.treasury)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	// A broadcast is never abandoned half-way because the caller gave up.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	auth.Context = sendCtx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasPrice = gasPrice

	tx, err := e.token.Transact(auth, "transfer", to, units)
	if err != nil {
		return nil, fmt.Errorf("failed to transfer: %w", err)
	}
	return tx, nil
}

func (e *EVM) waitConfirmations(ctx context.Context, minedAt uint64) error {
	if e.cfg.Confirmations <= 0 {
		return nil
	}
	target := minedAt + uint64(e.cfg.Confirmations)

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.wait(ctx); err != nil {
				return err
			}
			current, err := e.client.BlockNumber(ctx)
			if err != nil {
				continue
			}
			if current >= target {
				return nil
			}
		}
	}
}

func (e *EVM) Confirm(ctx context.Context, txHash string) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrTransferNotMined
		}
		return fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrTransferReverted
	}
	return nil
}

func (e *EVM) VerifyDeposit(ctx context.Context, txHash, from string, amount decimal.Decimal) error {
	if !common.IsHexAddress(from) {
		return ErrInvalidAddress
	}
	if err := e.wait(ctx); err != nil {
		return err
	}

	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrDepositNotFound
		}
		return fmt.Errorf("failed to get deposit receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrDepositMismatch
	}

	sender := common.HexToAddress(from)
	want := e.toUnits(amount)
	topic := e.tokenABI.Events["Transfer"].ID

	for _, l := range receipt.Logs {
		if l.Address != e.tokenAdr || len(l.Topics) != 3 || l.Topics[0] != topic {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != sender {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != e.treasury {
			continue
		}
		if new(big.Int).SetBytes(l.Data).Cmp(want) >= 0 {
			return nil
		}
	}
	return ErrDepositMismatch
}

func (e *EVM) Close() {
	e.client.Close()
}
