// Package registry resolves the sub-store addresses published by the
// on-chain SystemRegistry contract. The core only reads the registry;
// the admin setters exist on-chain and are out of reach from here.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/event"
	"github.com/semsee/semsee/internal/vm"
)

// registryABIJSON covers only the view functions the core calls.
const registryABIJSON = `[
  {"type":"function","name":"poolStore","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"positionStore","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"balanceStore","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

var storeMethods = map[event.StoreKind]string{
	event.StorePool:     "poolStore",
	event.StorePosition: "positionStore",
	event.StoreBalance:  "balanceStore",
}

// Caller is the read capability the resolver needs. *vm.Runner
// satisfies it.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) (vm.CallResult, error)
}

// Resolver caches the registry's sub-store addresses. Resolve refreshes
// the whole set from chain; Apply folds in a repoint event observed on
// the log stream without another round trip.
type Resolver struct {
	caller   Caller
	registry common.Address
	abi      abi.ABI
	logger   *slog.Logger

	mu     sync.RWMutex
	stores map[event.StoreKind]common.Address
}

// NewResolver builds a resolver for the registry contract at the given
// address. The cache starts empty until the first Resolve.
func NewResolver(caller Caller, registry common.Address, logger *slog.Logger) (*Resolver, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	return &Resolver{
		caller:   caller,
		registry: registry,
		abi:      parsed,
		logger:   logger,
		stores:   make(map[event.StoreKind]common.Address),
	}, nil
}

// Address returns the registry contract address itself, so the feed can
// include it in the watched set.
func (r *Resolver) Address() common.Address {
	return r.registry
}

// Resolve reads all three sub-store views and swaps the cache in one
// step. On any failure the previous cache is kept untouched.
func (r *Resolver) Resolve(ctx context.Context) error {
	next := make(map[event.StoreKind]common.Address, len(storeMethods))
	for kind, method := range storeMethods {
		addr, err := r.callView(ctx, method)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", method, err)
		}
		next[kind] = addr
	}

	r.mu.Lock()
	r.stores = next
	r.mu.Unlock()

	r.logger.Info("registry resolved",
		"registry", r.registry,
		"pool_store", next[event.StorePool],
		"position_store", next[event.StorePosition],
		"balance_store", next[event.StoreBalance])
	return nil
}

func (r *Resolver) callView(ctx context.Context, method string) (common.Address, error) {
	data, err := r.abi.Pack(method)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := r.caller.Call(ctx, r.registry, data)
	if err != nil {
		return common.Address{}, err
	}
	if res.Reverted {
		return common.Address{}, fmt.Errorf("%s() reverted: %s", method, res.Reason)
	}
	vals, err := r.abi.Unpack(method, res.Output)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unpack %s: not an address", method)
	}
	return addr, nil
}

// Apply folds a repoint event into the cache and reports whether the
// cache changed. Non-registry events are ignored.
func (r *Resolver) Apply(ev event.Decoded) bool {
	p, ok := ev.Payload.(event.RegistryUpdated)
	if !ok {
		return false
	}
	if _, known := storeMethods[p.Store]; !known {
		return false
	}

	r.mu.Lock()
	prev := r.stores[p.Store]
	r.stores[p.Store] = p.New
	r.mu.Unlock()

	if prev == p.New {
		return false
	}
	r.logger.Info("registry repointed",
		"store", p.Store.String(),
		"old", p.Old,
		"new", p.New,
		"block", ev.Block)
	return true
}

// Store returns the cached address for one sub-store.
func (r *Resolver) Store(kind event.StoreKind) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.stores[kind]
	return addr, ok
}

// Stores returns a copy of the cached sub-store set.
func (r *Resolver) Stores() map[event.StoreKind]common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[event.StoreKind]common.Address, len(r.stores))
	for k, v := range r.stores {
		out[k] = v
	}
	return out
}
