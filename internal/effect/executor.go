package effect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/semsee/semsee/internal/vm"
)

// DryRunExecutor confirms every action without touching the chain.
// Reads still go through the runner; submits and deploys are logged
// and acknowledged with an empty tx hash.
type DryRunExecutor struct {
	runner *vm.Runner
	logger *slog.Logger
}

// NewDryRunExecutor wraps a runner for reads-only operation.
func NewDryRunExecutor(runner *vm.Runner, logger *slog.Logger) *DryRunExecutor {
	return &DryRunExecutor{runner: runner, logger: logger}
}

func (x *DryRunExecutor) Execute(ctx context.Context, q Queued) (Result, error) {
	if q.Op == OpCall {
		res, err := x.runner.Call(ctx, q.Target, q.CallData)
		if err != nil {
			return Result{}, err
		}
		if res.Reverted {
			return Result{}, fmt.Errorf("call %s: %s: %w", q.Target.Hex(), res.Reason, vm.ErrReverted)
		}
		return Result{Status: StatusConfirmed, Output: res.Output}, nil
	}

	x.logger.Info("dry-run: action suppressed",
		"action", q.ActionID,
		"strategy", q.StrategyID,
		"type", q.ActionType,
		"op", q.Op.String())
	return Result{Status: StatusConfirmed}, nil
}

// ChainExecutor routes actions to the vm runner: reads go to Call,
// everything else claims a nonce through the TxQueue.
type ChainExecutor struct {
	runner *vm.Runner
}

// NewChainExecutor wraps a runner.
func NewChainExecutor(runner *vm.Runner) *ChainExecutor {
	return &ChainExecutor{runner: runner}
}

func (x *ChainExecutor) Execute(ctx context.Context, q Queued) (Result, error) {
	switch q.Op {
	case OpCall:
		res, err := x.runner.Call(ctx, q.Target, q.CallData)
		if err != nil {
			return Result{}, err
		}
		if res.Reverted {
			return Result{}, fmt.Errorf("call %s: %s: %w", q.Target.Hex(), res.Reason, vm.ErrReverted)
		}
		return Result{Status: StatusConfirmed, Output: res.Output}, nil

	case OpDeploy:
		res, err := x.runner.Deploy(ctx, q.CallData, q.Value, q.GasLimit)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:  StatusConfirmed,
			TxHash:  res.TxHash,
			GasUsed: res.GasUsed,
			Output:  res.Address.Bytes(),
		}, nil

	default:
		res, err := x.runner.Submit(ctx, q.Target, q.CallData, q.Value, q.GasLimit)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusConfirmed, TxHash: res.TxHash, GasUsed: res.GasUsed}, nil
	}
}
