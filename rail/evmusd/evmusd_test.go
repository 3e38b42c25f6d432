package evmusd

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"bountyflow/rail"
)

var (
	token     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	collector = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	funder    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	lab       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type fakeClient struct {
	mu       sync.Mutex
	receipts map[common.Hash]*gethtypes.Receipt
	head     int64
	nonce    uint64
	sent     []*gethtypes.Transaction
	sendErr  error
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, h common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, n *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(f.head), BaseFee: big.NewInt(10)}, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	f.nonce++
	return nil
}

func transferLog(contract, to common.Address, amount int64) *gethtypes.Log {
	return transferFrom(contract, funder, to, amount)
}

func transferFrom(contract, from, to common.Address, amount int64) *gethtypes.Log {
	return &gethtypes.Log{
		Address: contract,
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func newRail(t *testing.T, fc *fakeClient) *Rail {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	r, err := New(fc, Config{
		ChainID:       11155111,
		Token:         token.Hex(),
		TokenDecimals: 6,
		Collector:     collector.Hex(),
		SignerKey:     common.Bytes2Hex(gethcrypto.FromECDSA(key)),
		Confirmations: 3,
		Tolerance:     rail.Tolerance{Bps: 10, CapMinor: 100},
	})
	require.NoError(t, err)
	return r
}

func verify(hash string, expected int64) rail.VerifyRequest {
	return rail.VerifyRequest{EscrowID: "esc-1", Reference: hash, Payer: funder.Hex(), Expected: expected}
}

func TestVerifyDepositSumsTransfersToCollector(t *testing.T) {
	hash := common.HexToHash("0x01")
	fc := &fakeClient{head: 105, receipts: map[common.Hash]*gethtypes.Receipt{
		hash: {
			Status:      gethtypes.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs: []*gethtypes.Log{
				transferLog(token, collector, 1_000_000_000),
				transferLog(token, collector, 49_500_000),
				transferLog(token, lab, 5_000_000),
				transferLog(common.HexToAddress("0xdead"), collector, 9_000_000_000),
			},
		},
	}}
	r := newRail(t, fc)

	// 1049.50 against 1050.00 is inside the 100 cent cap.
	v, err := r.VerifyDeposit(context.Background(), verify(hash.Hex(), 105000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeVerified, v.Outcome)
	require.Equal(t, int64(104950), v.Received)
	require.Equal(t, hash.Hex(), v.Reference)

	v, err = r.VerifyDeposit(context.Background(), verify(hash.Hex(), 106000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeMismatch, v.Outcome)
}

func TestVerifyDepositPendingAndFailed(t *testing.T) {
	mined := common.HexToHash("0x02")
	reverted := common.HexToHash("0x03")
	fc := &fakeClient{head: 101, receipts: map[common.Hash]*gethtypes.Receipt{
		mined:    {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), Logs: []*gethtypes.Log{transferLog(token, collector, 1_050_000_000)}},
		reverted: {Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(90)},
	}}
	r := newRail(t, fc)
	ctx := context.Background()

	v, err := r.VerifyDeposit(ctx, verify(common.HexToHash("0x04").Hex(), 105000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomePending, v.Outcome, "unknown tx")

	v, err = r.VerifyDeposit(ctx, verify(mined.Hex(), 105000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomePending, v.Outcome, "two of three confirmations")

	fc.head = 102
	v, err = r.VerifyDeposit(ctx, verify(mined.Hex(), 105000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeVerified, v.Outcome)

	v, err = r.VerifyDeposit(ctx, verify(reverted.Hex(), 105000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeMismatch, v.Outcome)

	_, err = r.VerifyDeposit(ctx, verify("not-a-hash", 105000))
	require.Error(t, err)
}

func TestVerifyDepositIgnoresOtherSenders(t *testing.T) {
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	theirs := common.HexToHash("0x05")
	mixed := common.HexToHash("0x06")
	fc := &fakeClient{head: 105, receipts: map[common.Hash]*gethtypes.Receipt{
		theirs: {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), Logs: []*gethtypes.Log{
			transferFrom(token, stranger, collector, 1_050_000_000),
		}},
		mixed: {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), Logs: []*gethtypes.Log{
			transferFrom(token, stranger, collector, 1_000_000_000),
			transferFrom(token, funder, collector, 50_000_000),
		}},
	}}
	r := newRail(t, fc)
	ctx := context.Background()

	// someone else's payment to the collector cannot fund this escrow
	v, err := r.VerifyDeposit(ctx, verify(theirs.Hex(), 105000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeMismatch, v.Outcome)
	require.Contains(t, v.Detail, "not sent by payer")

	v, err = r.VerifyDeposit(ctx, verify(mixed.Hex(), 105000))
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeMismatch, v.Outcome)
	require.Equal(t, int64(5000), v.Received)

	req := verify(theirs.Hex(), 105000)
	req.Payer = stranger.Hex()
	v, err = r.VerifyDeposit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeVerified, v.Outcome)

	req.Payer = "funder@example.com"
	v, err = r.VerifyDeposit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, rail.OutcomeMismatch, v.Outcome)
}

func TestReleaseSignsERC20Transfer(t *testing.T) {
	fc := &fakeClient{head: 10}
	r := newRail(t, fc)

	ref, err := r.ReleasePortion(context.Background(), rail.ReleaseRequest{
		IdempotencyKey: "i-1:release:0",
		Destination:    lab.Hex(),
		Amount:         27000,
	})
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)

	tx := fc.sent[0]
	require.Equal(t, ref, tx.Hash().Hex())
	require.Equal(t, token, *tx.To())
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	require.Equal(t, TransferData(lab, big.NewInt(270_000_000)), tx.Data())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	require.Equal(t, r.from, sender)
}

func TestRetriedTransferRebroadcastsSameTransaction(t *testing.T) {
	fc := &fakeClient{head: 10, sendErr: errors.New("i/o timeout")}
	r := newRail(t, fc)
	req := rail.RefundRequest{IdempotencyKey: "i-2:refund:1", Destination: funder.Hex(), Amount: 73000}

	_, err := r.Refund(context.Background(), req)
	require.ErrorIs(t, err, rail.ErrUnavailable)

	ref, err := r.Refund(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, fc.sent, 2)
	require.Equal(t, fc.sent[0].Hash(), fc.sent[1].Hash())
	require.Equal(t, fc.sent[0].Hash().Hex(), ref)
}

func TestDepositPointsAtCollector(t *testing.T) {
	r := newRail(t, &fakeClient{})
	dep, err := r.InitializeDeposit(context.Background(), rail.DepositRequest{EscrowID: "e-1", Amount: 105000})
	require.NoError(t, err)
	require.Equal(t, collector.Hex(), dep.Reference)
	require.Equal(t, collector.Hex(), dep.PayTo)
}
