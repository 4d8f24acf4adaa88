package vm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Well-known throwaway development key, account 0 of the standard
// test mnemonic.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigner(t *testing.T) *KeySigner {
	t.Helper()
	s, err := NewKeySigner(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func fastConfig() TxConfig {
	return TxConfig{
		ConfirmTimeout: 20 * time.Millisecond,
		PollInterval:   time.Millisecond,
		GasBumpPercent: 10,
		MaxResubmits:   2,
	}
}

// submitFake simulates the submission side of a node. Transactions
// confirm instantly unless neverConfirm is set.
type submitFake struct {
	mu           sync.Mutex
	baseNonce    uint64
	mined        uint64
	neverConfirm bool
	revert       bool
	withAddress  common.Address
	receipts     map[common.Hash]*types.Receipt
	sentNonces   []uint64
	sentPrices   []*big.Int
}

func (f *submitFake) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("unexpected call")
}

func (f *submitFake) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseNonce + f.mined, nil
}

func (f *submitFake) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (f *submitFake) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentNonces = append(f.sentNonces, tx.Nonce())
	f.sentPrices = append(f.sentPrices, new(big.Int).Set(tx.GasPrice()))
	if f.neverConfirm {
		return nil
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	if f.receipts == nil {
		f.receipts = make(map[common.Hash]*types.Receipt)
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:          status,
		GasUsed:         21000,
		BlockNumber:     big.NewInt(12),
		TxHash:          tx.Hash(),
		ContractAddress: f.withAddress,
	}
	f.mined++
	return nil
}

func (f *submitFake) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func TestSubmitConfirms(t *testing.T) {
	fake := &submitFake{baseNonce: 3}
	q := NewTxQueue(fake, testSigner(t), big.NewInt(1), fastConfig(), discardLogger(), nil)

	to := common.HexToAddress("0x09")
	res, err := q.Submit(context.Background(), SubmitRequest{To: &to, GasLimit: 21000})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Nonce != 3 || res.GasUsed != 21000 || res.BlockNumber != 12 || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSubmitRequiresGasLimit(t *testing.T) {
	q := NewTxQueue(&submitFake{}, testSigner(t), big.NewInt(1), fastConfig(), discardLogger(), nil)
	to := common.HexToAddress("0x09")
	if _, err := q.Submit(context.Background(), SubmitRequest{To: &to}); err == nil {
		t.Fatal("expected error for zero gas limit")
	}
}

func TestSubmitSingleFlightNonce(t *testing.T) {
	fake := &submitFake{baseNonce: 7}
	q := NewTxQueue(fake, testSigner(t), big.NewInt(1), fastConfig(), discardLogger(), nil)
	to := common.HexToAddress("0x09")

	var wg sync.WaitGroup
	results := make([]SubmitResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.Submit(context.Background(), SubmitRequest{To: &to, GasLimit: 21000})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if results[0].Nonce == results[1].Nonce {
		t.Fatalf("nonce %d claimed twice", results[0].Nonce)
	}
	got := map[uint64]bool{results[0].Nonce: true, results[1].Nonce: true}
	if !got[7] || !got[8] {
		t.Fatalf("nonces = %v, want {7,8}", got)
	}
}

func TestSubmitBumpsGasThenExhausts(t *testing.T) {
	fake := &submitFake{baseNonce: 1, neverConfirm: true}
	q := NewTxQueue(fake, testSigner(t), big.NewInt(1), fastConfig(), discardLogger(), nil)
	to := common.HexToAddress("0x09")

	_, err := q.Submit(context.Background(), SubmitRequest{To: &to, GasLimit: 21000})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}

	// 1 initial send + 2 resubmits, same nonce, 10% bump each time.
	if len(fake.sentPrices) != 3 {
		t.Fatalf("sends = %d, want 3", len(fake.sentPrices))
	}
	wantPrices := []int64{100, 110, 121}
	for i, p := range fake.sentPrices {
		if p.Int64() != wantPrices[i] {
			t.Fatalf("price[%d] = %s, want %d", i, p, wantPrices[i])
		}
	}
	for _, n := range fake.sentNonces {
		if n != 1 {
			t.Fatalf("resubmit changed nonce: %v", fake.sentNonces)
		}
	}
}

func TestSubmitRevertedReceipt(t *testing.T) {
	fake := &submitFake{revert: true}
	q := NewTxQueue(fake, testSigner(t), big.NewInt(1), fastConfig(), discardLogger(), nil)
	to := common.HexToAddress("0x09")

	_, err := q.Submit(context.Background(), SubmitRequest{To: &to, GasLimit: 21000})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("err = %v, want ErrReverted", err)
	}
}

// callFake scripts CallContract responses; other methods are unused.
type callFake struct {
	submitFake
	mu    sync.Mutex
	calls int
	errs  []error
	out   []byte
}

func (f *callFake) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return f.out, nil
}

func TestCallRetriesOnceOnTransient(t *testing.T) {
	fake := &callFake{
		errs: []error{errors.New("read tcp 1.2.3.4: connection reset by peer")},
		out:  []byte{0x01},
	}
	r := NewRunner(fake, nil, common.Address{}, time.Second, discardLogger())

	res, err := r.Call(context.Background(), common.HexToAddress("0x0a"), nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Reverted || len(res.Output) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want 2", fake.calls)
	}
}

func TestCallGivesUpAfterSecondTransient(t *testing.T) {
	transient := errors.New("dial: i/o timeout")
	fake := &callFake{errs: []error{transient, transient}}
	r := NewRunner(fake, nil, common.Address{}, time.Second, discardLogger())

	if _, err := r.Call(context.Background(), common.HexToAddress("0x0a"), nil); err == nil {
		t.Fatal("expected error after retry")
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want 2", fake.calls)
	}
}

type dataErr struct {
	msg  string
	data any
}

func (e dataErr) Error() string  { return e.msg }
func (e dataErr) ErrorData() any { return e.data }

func revertPayload(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("string type: %v", err)
	}
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack reason: %v", err)
	}
	// Error(string) selector.
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestCallRevertReason(t *testing.T) {
	fake := &callFake{
		errs: []error{dataErr{msg: "execution reverted", data: revertPayload(t, "pool paused")}},
	}
	r := NewRunner(fake, nil, common.Address{}, time.Second, discardLogger())

	res, err := r.Call(context.Background(), common.HexToAddress("0x0a"), nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.Reverted || res.Reason != "pool paused" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDeployResolvesAddress(t *testing.T) {
	deployed := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	fake := &submitFake{withAddress: deployed}
	signer := testSigner(t)
	q := NewTxQueue(fake, signer, big.NewInt(1), fastConfig(), discardLogger(), nil)
	r := NewRunner(fake, q, signer.Address(), time.Second, discardLogger())

	res, err := r.Deploy(context.Background(), []byte{0x60, 0x80}, nil, 400000)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.Address != deployed {
		t.Fatalf("address = %s, want %s", res.Address.Hex(), deployed.Hex())
	}
}

func TestKeySigner(t *testing.T) {
	s := testSigner(t)
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if s.Address() != want {
		t.Fatalf("address = %s, want %s", s.Address().Hex(), want.Hex())
	}

	chainID := big.NewInt(1)
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000})
	signed, err := s.SignTx(tx, chainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != want {
		t.Fatalf("recovered %s, want %s", sender.Hex(), want.Hex())
	}

	if _, err := NewKeySigner("not-a-key"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("Post \"http://x\": dial tcp: i/o timeout"), true},
		{errors.New("429 too many requests"), true},
		{ErrReverted, false},
		{ErrRetriesExhausted, false},
		{errors.New("insufficient funds for gas * price + value"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
