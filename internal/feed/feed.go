// Package feed ingests raw logs from the chain one confirmed block per
// call, resuming from a persisted cursor and rewinding it when the
// parent hash no longer lines up.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/semsee/semsee/internal/metrics"
	"github.com/semsee/semsee/internal/storage"
)

// ErrReorgDetected signals that the chain rewound; the caller should
// retry from the updated cursor.
var ErrReorgDetected = errors.New("reorg detected")

// DefaultCursorID keys the cursor row when the config names none.
const DefaultCursorID = "evm"

// BlockClient captures the subset of ethclient the feed uses.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RPCClient is a thin wrapper over ethclient.Client. It satisfies
// BlockClient and vm.ChainClient at once, so one dialed connection
// serves both ingestion and execution.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient dials an EVM node.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Batch is one confirmed block's worth of raw logs in log-index order.
type Batch struct {
	Block      uint64
	BlockHash  common.Hash
	ParentHash common.Hash
	Time       uint64
	Logs       []types.Log
}

// Options configures a feed instance.
type Options struct {
	// CursorID keys the persisted cursor row. Defaults to
	// DefaultCursorID.
	CursorID string
	// Confirmations is how many blocks behind the head the feed stays.
	Confirmations uint64
	// StartBlock picks the first block when no cursor exists: "" or "0"
	// for genesis, an absolute height, or "latest-N".
	StartBlock string
	// Watched narrows FilterLogs to an address set. Empty ingests every
	// log in the block, which is what the orchestrator wants: mirrored
	// state is global, not per-subscription.
	Watched []common.Address
}

// Feed walks the chain sequentially behind the confirmation depth.
type Feed struct {
	client BlockClient
	store  *storage.Store
	opts   Options
	logger *slog.Logger
	m      *metrics.Metrics
}

// New builds a feed. The metrics handle may be nil.
func New(client BlockClient, store *storage.Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Feed {
	if opts.CursorID == "" {
		opts.CursorID = DefaultCursorID
	}
	return &Feed{client: client, store: store, opts: opts, logger: logger, m: m}
}

// Next ingests the next eligible block and advances the cursor. It
// returns (nil, nil) when no block is ready yet. On a parent-hash
// mismatch it rewinds the cursor one block and returns ErrReorgDetected
// so the caller can retry from the updated position.
func (f *Feed) Next(ctx context.Context) (*Batch, error) {
	curHeight, curHash, hasCursor, err := f.store.GetCursor(ctx, f.opts.CursorID)
	if err != nil {
		return nil, err
	}

	latest, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	safeHeight := latest.Number.Uint64()
	if f.opts.Confirmations > 0 {
		if f.opts.Confirmations > safeHeight {
			return nil, nil
		}
		safeHeight -= f.opts.Confirmations
	}

	target := curHeight + 1
	if !hasCursor {
		start, err := resolveStartHeight(f.opts.StartBlock, safeHeight)
		if err != nil {
			return nil, err
		}
		target = start
	}
	if target > safeHeight {
		return nil, nil
	}

	header, err := f.client.HeaderByNumber(ctx, big.NewInt(int64(target)))
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", target, err)
	}

	if hasCursor && header.ParentHash.Hex() != curHash {
		rewindTo := uint64(0)
		if target > 0 {
			rewindTo = target - 1
		}
		_ = f.store.UpsertCursor(ctx, f.opts.CursorID, rewindTo, header.ParentHash.Hex())
		f.logger.Warn("reorg detected", "block", target, "rewound_to", rewindTo)
		return nil, ErrReorgDetected
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(target)),
		ToBlock:   big.NewInt(int64(target)),
	}
	if len(f.opts.Watched) > 0 {
		query.Addresses = f.opts.Watched
	}
	logs, err := f.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	// Dispatch order is (block, logIndex); sorting here pins that down
	// regardless of the RPC backend's ordering.
	sort.Slice(logs, func(i, j int) bool { return logs[i].Index < logs[j].Index })

	if err := f.store.UpsertCursor(ctx, f.opts.CursorID, target, header.Hash().Hex()); err != nil {
		return nil, err
	}

	f.m.BlocksProcessed()
	f.logger.Debug("block ingested", "block", target, "logs", len(logs))

	return &Batch{
		Block:      target,
		BlockHash:  header.Hash(),
		ParentHash: header.ParentHash,
		Time:       header.Time,
		Logs:       logs,
	}, nil
}

// Cursor reports the persisted position.
func (f *Feed) Cursor(ctx context.Context) (uint64, string, bool, error) {
	return f.store.GetCursor(ctx, f.opts.CursorID)
}

func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	if start == "" || start == "0" {
		return 0, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
