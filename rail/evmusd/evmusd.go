// Package evmusd settles escrows in a USD stablecoin on an EVM chain. Funders
// pay the collector address and confirm with a transaction hash; payouts are
// ERC-20 transfers signed by the treasury key.
package evmusd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"bountyflow/rail"
)

var (
	transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	transferSelector       = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
)

// Client defines the subset of the Ethereum RPC the rail uses.
type Client interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// Dial initialises an RPC client for endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evmusd: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

type Config struct {
	ChainID       int64
	Token         string
	TokenDecimals int
	Collector     string
	// SignerKey is the hex private key of the treasury holding collected funds.
	SignerKey     string
	Confirmations uint64
	GasLimit      uint64
	Tolerance     rail.Tolerance
}

// Rail implements rail.Adapter.
type Rail struct {
	client        Client
	chainID       *big.Int
	token         common.Address
	unit          *big.Int
	collector     common.Address
	key           *ecdsa.PrivateKey
	from          common.Address
	confirmations uint64
	gasLimit      uint64
	tolerance     rail.Tolerance

	mu   sync.Mutex
	sent map[string]*gethtypes.Transaction
}

func New(client Client, cfg Config) (*Rail, error) {
	if client == nil {
		return nil, errors.New("evmusd: client required")
	}
	if !common.IsHexAddress(cfg.Token) || !common.IsHexAddress(cfg.Collector) {
		return nil, errors.New("evmusd: token and collector must be hex addresses")
	}
	if cfg.TokenDecimals < 2 || cfg.TokenDecimals > 36 {
		return nil, fmt.Errorf("evmusd: unsupported token decimals %d", cfg.TokenDecimals)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("evmusd: signer key: %w", err)
	}
	gas := cfg.GasLimit
	if gas == 0 {
		gas = 100_000
	}
	return &Rail{
		client:        client,
		chainID:       big.NewInt(cfg.ChainID),
		token:         common.HexToAddress(cfg.Token),
		unit:          new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.TokenDecimals-2)), nil),
		collector:     common.HexToAddress(cfg.Collector),
		key:           key,
		from:          gethcrypto.PubkeyToAddress(key.PublicKey),
		confirmations: cfg.Confirmations,
		gasLimit:      gas,
		tolerance:     cfg.Tolerance,
		sent:          make(map[string]*gethtypes.Transaction),
	}, nil
}

func (r *Rail) ID() rail.ID { return rail.EVMUSD }

// InitializeDeposit points the funder at the collector address.
func (r *Rail) InitializeDeposit(ctx context.Context, req rail.DepositRequest) (rail.Deposit, error) {
	addr := r.collector.Hex()
	return rail.Deposit{Reference: addr, PayTo: addr}, nil
}

// VerifyDeposit inspects the funder's transaction and sums the token transfers
// the declared payer wallet made to the collector. Transfers from any other
// sender do not fund the escrow.
func (r *Rail) VerifyDeposit(ctx context.Context, req rail.VerifyRequest) (rail.Verification, error) {
	ref := strings.TrimSpace(req.Reference)
	if len(ref) != 66 || !strings.HasPrefix(ref, "0x") {
		return rail.Verification{}, fmt.Errorf("evmusd: %q is not a transaction hash", req.Reference)
	}
	hash := common.HexToHash(ref)
	v := rail.Verification{Reference: hash.Hex()}
	if !common.IsHexAddress(strings.TrimSpace(req.Payer)) {
		v.Outcome = rail.OutcomeMismatch
		v.Detail = fmt.Sprintf("payer %q is not an address", req.Payer)
		return v, nil
	}
	payer := common.HexToAddress(strings.TrimSpace(req.Payer))
	expected := req.Expected

	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			v.Outcome = rail.OutcomePending
			v.Detail = "transaction not yet mined"
			return v, nil
		}
		return rail.Verification{}, rail.Unavailable(fmt.Errorf("evmusd: fetch receipt: %w", err))
	}
	if receipt == nil {
		v.Outcome = rail.OutcomePending
		return v, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		v.Outcome = rail.OutcomeMismatch
		v.Detail = "transaction reverted"
		return v, nil
	}
	if r.confirmations > 0 {
		header, err := r.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return rail.Verification{}, rail.Unavailable(fmt.Errorf("evmusd: fetch head: %w", err))
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return rail.Verification{}, rail.Unavailable(errors.New("evmusd: block metadata unavailable"))
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(r.confirmations)) < 0 {
			v.Outcome = rail.OutcomePending
			v.Detail = fmt.Sprintf("%s of %d confirmations", confirmed, r.confirmations)
			return v, nil
		}
	}

	total := new(big.Int)
	foreign := 0
	for _, log := range receipt.Logs {
		if log == nil || log.Address != r.token || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != r.collector {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != payer {
			foreign++
			continue
		}
		total.Add(total, new(big.Int).SetBytes(log.Data))
	}
	if total.Sign() == 0 {
		v.Outcome = rail.OutcomeMismatch
		v.Detail = "no token transfer to collector"
		if foreign > 0 {
			v.Detail = fmt.Sprintf("transfer to collector not sent by payer %s", payer.Hex())
		}
		return v, nil
	}
	v.Received = r.toMinor(total)
	v.Outcome = r.tolerance.Classify(expected, v.Received)
	if v.Outcome == rail.OutcomeMismatch {
		v.Detail = fmt.Sprintf("received %d, expected %d", v.Received, expected)
	}
	return v, nil
}

func (r *Rail) ReleasePortion(ctx context.Context, req rail.ReleaseRequest) (string, error) {
	return r.transfer(ctx, req.IdempotencyKey, req.Destination, req.Amount)
}

func (r *Rail) Refund(ctx context.Context, req rail.RefundRequest) (string, error) {
	return r.transfer(ctx, req.IdempotencyKey, req.Destination, req.Amount)
}

// transfer signs and broadcasts an ERC-20 transfer. A retried key re-broadcasts
// the transaction signed the first time, so a lost response never pays twice.
func (r *Rail) transfer(ctx context.Context, key, to string, minor int64) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("evmusd: destination %q is not an address", to)
	}
	if minor <= 0 {
		return "", errors.New("evmusd: amount must be positive")
	}

	r.mu.Lock()
	tx, seen := r.sent[key]
	r.mu.Unlock()

	if !seen {
		var err error
		tx, err = r.signTransfer(ctx, common.HexToAddress(to), minor)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		if prior, ok := r.sent[key]; ok {
			tx = prior
		} else {
			r.sent[key] = tx
		}
		r.mu.Unlock()
	}

	if err := r.client.SendTransaction(ctx, tx); err != nil && !alreadyKnown(err) {
		return "", rail.Unavailable(fmt.Errorf("evmusd: send transaction: %w", err))
	}
	return tx.Hash().Hex(), nil
}

func (r *Rail) signTransfer(ctx context.Context, to common.Address, minor int64) (*gethtypes.Transaction, error) {
	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, rail.Unavailable(fmt.Errorf("evmusd: nonce: %w", err))
	}
	tip, err := r.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, rail.Unavailable(fmt.Errorf("evmusd: gas tip: %w", err))
	}
	head, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, rail.Unavailable(fmt.Errorf("evmusd: fetch head: %w", err))
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       r.gasLimit,
		To:        &r.token,
		Value:     big.NewInt(0),
		Data:      TransferData(to, r.fromMinor(minor)),
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return nil, fmt.Errorf("evmusd: sign: %w", err)
	}
	return signed, nil
}

// TransferData encodes an ERC-20 transfer(to, amount) call.
func TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// toMinor converts token base units to cents, rounding down.
func (r *Rail) toMinor(amount *big.Int) int64 {
	return new(big.Int).Quo(amount, r.unit).Int64()
}

func (r *Rail) fromMinor(minor int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(minor), r.unit)
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "nonce too low")
}
