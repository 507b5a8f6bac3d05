// Package onchain implements ports.Asset over an ERC-20 contract on an EVM
// chain, for deployments where the deposit token lives on-chain.
package onchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/microvault/internal/domain"
)

const (
	// transferGasLimit is used when estimation fails.
	transferGasLimit = uint64(100_000)

	gasPriceUpdateInterval = 5 * time.Minute
	defaultConfirmTimeout  = 60 * time.Second
	defaultPollInterval    = 3 * time.Second
)

// ErrReverted is returned when a transfer was mined but failed.
var ErrReverted = errors.New("transaction reverted")

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "transfer",
			"type": "function",
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "transferFrom",
			"type": "function",
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "balanceOf",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// Backend is the part of ethclient.Client the token uses.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config identifies the token and the key the vault signs with.
type Config struct {
	Token          string // contract address, 0x-prefixed
	PrivateKeyHex  string // vault custody key, with or without 0x
	ChainID        int64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Token is the vault's handle on an ERC-20. Transfers are signed with the
// vault key and wait for their receipt, so a returned nil means mined and
// successful.
type Token struct {
	backend Backend
	token   common.Address
	key     *ecdsa.PrivateKey
	holder  common.Address
	chainID *big.Int
	cfg     Config

	// txMu serializes nonce allocation and sending.
	txMu sync.Mutex

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// Dial connects to an RPC endpoint and returns the token handle.
func Dial(rpcURL string, cfg Config) (*Token, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: %s: %w", rpcURL, err)
	}
	return New(client, cfg)
}

// New returns a token handle over any backend.
func New(backend Backend, cfg Config) (*Token, error) {
	if !common.IsHexAddress(cfg.Token) {
		return nil, fmt.Errorf("onchain.New: invalid token address %q", cfg.Token)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.New: invalid private key: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("onchain.New: chain id must be positive")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Token{
		backend: backend,
		token:   common.HexToAddress(cfg.Token),
		key:     key,
		holder:  crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		cfg:     cfg,
	}, nil
}

// Holder is the vault custody address derived from the key. The vault must
// be opened with this address.
func (t *Token) Holder() domain.Address {
	return domain.Address(t.holder.Hex())
}

// BalanceOf reads balanceOf(holder) at the latest block.
func (t *Token) BalanceOf(ctx context.Context, holder domain.Address) (domain.Amount, error) {
	addr, err := parseAddress(holder)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("onchain.BalanceOf: %w", err)
	}
	data, err := erc20ABI.Pack("balanceOf", addr)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("onchain.BalanceOf: pack: %w", err)
	}
	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: data}, nil)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("onchain.BalanceOf: call: %w", err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("onchain.BalanceOf: unpack: %w", err)
	}
	if len(vals) == 0 {
		return domain.Amount{}, errors.New("onchain.BalanceOf: empty result")
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return domain.Amount{}, fmt.Errorf("onchain.BalanceOf: unexpected output %T", vals[0])
	}
	return domain.AmountFromBig(bal)
}

// Transfer sends amount from the vault to destination.
func (t *Token) Transfer(ctx context.Context, destination domain.Address, amount domain.Amount) error {
	to, err := parseAddress(destination)
	if err != nil {
		return fmt.Errorf("onchain.Transfer: %w", err)
	}
	data, err := erc20ABI.Pack("transfer", to, amount.Big())
	if err != nil {
		return fmt.Errorf("onchain.Transfer: pack: %w", err)
	}
	if err := t.send(ctx, data); err != nil {
		return fmt.Errorf("onchain.Transfer: %w", err)
	}
	return nil
}

// TransferFrom pulls amount from source to destination using the allowance
// source granted the vault.
func (t *Token) TransferFrom(ctx context.Context, source, destination domain.Address, amount domain.Amount) error {
	from, err := parseAddress(source)
	if err != nil {
		return fmt.Errorf("onchain.TransferFrom: %w", err)
	}
	to, err := parseAddress(destination)
	if err != nil {
		return fmt.Errorf("onchain.TransferFrom: %w", err)
	}
	data, err := erc20ABI.Pack("transferFrom", from, to, amount.Big())
	if err != nil {
		return fmt.Errorf("onchain.TransferFrom: pack: %w", err)
	}
	if err := t.send(ctx, data); err != nil {
		return fmt.Errorf("onchain.TransferFrom: %w", err)
	}
	return nil
}

// send signs a call to the token contract, broadcasts it and waits until it
// is mined.
func (t *Token) send(ctx context.Context, data []byte) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()

	nonce, err := t.backend.PendingNonceAt(ctx, t.holder)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice := t.gasPrice(ctx)

	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     t.holder,
		To:       &t.token,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		// a transfer that would revert also fails estimation
		return fmt.Errorf("estimate gas: %w", err)
	}
	if gas == 0 {
		gas = transferGasLimit
	}
	gas = gas * 12 / 10

	tx := types.NewTransaction(nonce, t.token, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}
	slog.Info("onchain: transaction sent", "tx", signed.Hash().Hex(), "nonce", nonce, "gas", gas)

	receiptCtx, cancel := context.WithTimeout(ctx, t.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := t.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		return fmt.Errorf("wait receipt %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s: %w", signed.Hash().Hex(), ErrReverted)
	}
	return nil
}

// gasPrice returns the suggested gas price plus 10%, cached for a few
// minutes. Without any answer from the node it falls back to 30 gwei.
func (t *Token) gasPrice(ctx context.Context) *big.Int {
	t.mu.RLock()
	cached, updatedAt := t.cachedGasWei, t.gasUpdatedAt
	t.mu.RUnlock()
	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached
	}

	price, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		slog.Warn("onchain: gas price unavailable", "err", err)
		if cached != nil {
			return cached
		}
		return big.NewInt(30_000_000_000)
	}
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	t.mu.Lock()
	t.cachedGasWei = buffered
	t.gasUpdatedAt = time.Now()
	t.mu.Unlock()
	return buffered
}

// waitForReceipt polls until the transaction is mined or ctx expires.
func (t *Token) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			slog.Debug("onchain: receipt lookup failed", "tx", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func parseAddress(a domain.Address) (common.Address, error) {
	if !common.IsHexAddress(string(a)) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", a)
	}
	return common.HexToAddress(string(a)), nil
}
