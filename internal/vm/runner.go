package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultCallTimeout bounds a single read-only RPC call.
const DefaultCallTimeout = 10 * time.Second

// CallResult is the outcome of a read-only call. A revert is a result,
// not a transport error.
type CallResult struct {
	Output   []byte
	Reverted bool
	Reason   string
}

// DeployResult reports a confirmed contract creation.
type DeployResult struct {
	Address common.Address
	TxHash  common.Hash
	GasUsed uint64
}

// Runner executes the three chain operation kinds. Reads go straight to
// the client; writes and deploys go through the TxQueue.
type Runner struct {
	client      ChainClient
	queue       *TxQueue
	from        common.Address
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewRunner builds a runner. from is the account reads are attributed
// to; it matters for views that inspect msg.sender.
func NewRunner(client ChainClient, queue *TxQueue, from common.Address, callTimeout time.Duration, logger *slog.Logger) *Runner {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Runner{
		client:      client,
		queue:       queue,
		from:        from,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Call performs a read-only contract call with a per-call timeout and
// one retry on a transient RPC failure.
func (r *Runner) Call(ctx context.Context, to common.Address, data []byte) (CallResult, error) {
	msg := ethereum.CallMsg{From: r.from, To: &to, Data: data}

	out, err := r.callOnce(ctx, msg)
	if err != nil && IsTransient(err) {
		r.logger.Debug("call retry after transient error", "to", to.Hex(), "err", err)
		out, err = r.callOnce(ctx, msg)
	}
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return CallResult{Reverted: true, Reason: reason}, nil
		}
		return CallResult{}, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return CallResult{Output: out}, nil
}

func (r *Runner) callOnce(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.client.CallContract(cctx, msg, nil)
}

// Submit sends a state-changing transaction through the queue.
func (r *Runner) Submit(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimit uint64) (SubmitResult, error) {
	return r.queue.Submit(ctx, SubmitRequest{To: &to, Data: data, Value: value, GasLimit: gasLimit})
}

// Deploy submits contract creation code and resolves the new address.
func (r *Runner) Deploy(ctx context.Context, bytecode []byte, value *big.Int, gasLimit uint64) (DeployResult, error) {
	res, err := r.queue.Submit(ctx, SubmitRequest{To: nil, Data: bytecode, Value: value, GasLimit: gasLimit})
	if err != nil {
		return DeployResult{}, err
	}
	addr := res.ContractAddress
	if addr == (common.Address{}) {
		addr = crypto.CreateAddress(r.queue.signer.Address(), res.Nonce)
	}
	return DeployResult{Address: addr, TxHash: res.TxHash, GasUsed: res.GasUsed}, nil
}

// revertReason extracts a revert string from an RPC error, when the
// node attached one.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(strings.ToLower(msg), "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		return strings.TrimSpace(reason), true
	}
	return "", false
}
