package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/semsee/semsee/internal/metrics"
)

// Defaults for TxConfig fields left zero.
const (
	DefaultConfirmTimeout = 90 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultGasBumpPercent = 12
	DefaultMaxResubmits   = 3
)

// TxConfig tunes submission behavior.
type TxConfig struct {
	// ConfirmTimeout bounds the receipt wait per attempt.
	ConfirmTimeout time.Duration
	// PollInterval spaces receipt polls.
	PollInterval time.Duration
	// GasBumpPercent raises the gas price on each resubmit.
	GasBumpPercent uint64
	// MaxResubmits bounds same-nonce resubmissions after the first send.
	MaxResubmits int
}

func (c TxConfig) withDefaults() TxConfig {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.GasBumpPercent == 0 {
		c.GasBumpPercent = DefaultGasBumpPercent
	}
	if c.MaxResubmits <= 0 {
		c.MaxResubmits = DefaultMaxResubmits
	}
	return c
}

// SubmitRequest describes one state-changing transaction. A nil To
// deploys Data as contract creation code.
type SubmitRequest struct {
	To       *common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// SubmitResult reports a confirmed transaction.
type SubmitResult struct {
	TxHash          common.Hash
	Nonce           uint64
	GasUsed         uint64
	BlockNumber     uint64
	ContractAddress common.Address
	Attempts        int
}

// TxQueue serializes transaction submission for one signing account.
// The mutex is the nonce guard: a submission holds it from nonce claim
// to terminal receipt, so two concurrent submits can never claim the
// same nonce.
type TxQueue struct {
	client  ChainClient
	signer  Signer
	chainID *big.Int
	cfg     TxConfig
	logger  *slog.Logger
	m       *metrics.Metrics

	mu sync.Mutex
}

// NewTxQueue builds a queue bound to one signer. m may be nil when
// metrics are off.
func NewTxQueue(client ChainClient, signer Signer, chainID *big.Int, cfg TxConfig, logger *slog.Logger, m *metrics.Metrics) *TxQueue {
	return &TxQueue{
		client:  client,
		signer:  signer,
		chainID: chainID,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		m:       m,
	}
}

var errConfirmTimeout = errors.New("confirmation timeout")

// Submit sends a transaction and waits for its receipt. On timeout it
// resubmits the same nonce with a bumped gas price up to MaxResubmits,
// then gives up with ErrRetriesExhausted.
func (q *TxQueue) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.GasLimit == 0 {
		return SubmitResult{}, errors.New("gas limit required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	nonce, err := q.client.PendingNonceAt(ctx, q.signer.Address())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := q.client.SuggestGasPrice(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("suggest gas price: %w", err)
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	var sent []common.Hash
	attempts := 0
	for attempt := 0; attempt <= q.cfg.MaxResubmits; attempt++ {
		if attempt > 0 {
			gasPrice = bumpPrice(gasPrice, q.cfg.GasBumpPercent)
			q.logger.Warn("no receipt before timeout, resubmitting",
				"nonce", nonce,
				"attempt", attempt,
				"gas_price", gasPrice.String())
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      req.GasLimit,
			To:       req.To,
			Value:    value,
			Data:     req.Data,
		})
		signed, err := q.signer.SignTx(tx, q.chainID)
		if err != nil {
			return SubmitResult{}, err
		}

		attempts++
		switch err := q.client.SendTransaction(ctx, signed); {
		case err == nil:
			q.m.TxSubmitted()
			sent = append(sent, signed.Hash())
		case alreadyPending(err):
			// The prior attempt is still in the pool; keep waiting on it.
		case attempt > 0 && nonceTooLow(err):
			// An earlier attempt landed while we were resubmitting; the
			// receipt poll below will find it.
		default:
			return SubmitResult{}, fmt.Errorf("send tx nonce %d: %w", nonce, err)
		}

		receipt, hash, err := q.awaitReceipt(ctx, sent)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return SubmitResult{}, fmt.Errorf("tx %s: %w", hash.Hex(), ErrReverted)
			}
			res := SubmitResult{
				TxHash:          hash,
				Nonce:           nonce,
				GasUsed:         receipt.GasUsed,
				ContractAddress: receipt.ContractAddress,
				Attempts:        attempts,
			}
			if receipt.BlockNumber != nil {
				res.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return res, nil
		}
		if !errors.Is(err, errConfirmTimeout) {
			return SubmitResult{}, err
		}
	}

	return SubmitResult{}, fmt.Errorf("nonce %d unconfirmed after %d attempts: %w", nonce, attempts, ErrRetriesExhausted)
}

func (q *TxQueue) awaitReceipt(ctx context.Context, hashes []common.Hash) (*types.Receipt, common.Hash, error) {
	deadline := time.NewTimer(q.cfg.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Resubmissions share the nonce, so any of the sent hashes may
		// be the one that lands.
		for _, h := range hashes {
			receipt, err := q.client.TransactionReceipt(ctx, h)
			if err == nil && receipt != nil {
				return receipt, h, nil
			}
			if err != nil && !errors.Is(err, ethereum.NotFound) && !IsTransient(err) {
				return nil, common.Hash{}, fmt.Errorf("poll receipt %s: %w", h.Hex(), err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, common.Hash{}, ctx.Err()
		case <-deadline.C:
			return nil, common.Hash{}, errConfirmTimeout
		case <-ticker.C:
		}
	}
}

func bumpPrice(price *big.Int, percent uint64) *big.Int {
	bumped := new(big.Int).Mul(price, big.NewInt(int64(100+percent)))
	return bumped.Div(bumped, big.NewInt(100))
}

func alreadyPending(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "underpriced")
}

func nonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
