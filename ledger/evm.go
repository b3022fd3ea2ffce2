package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"creator-payment-system/logger"
	"creator-payment-system/models"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var _ Ledger = (*EVMLedger)(nil)

// EthClient is the subset of ethclient.Client the ledger needs
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMConfig describes the chain and the tokens used for each asset kind
type EVMConfig struct {
	ChainID          *big.Int
	PlatformToken    string
	PlatformDecimals int32
	NativeDecimals   int32
	StableDecimals   map[string]int32
	CallTimeout      time.Duration
}

// EVMLedger implements Ledger on an EVM chain. Native transfers are plain value
// transfers; platform and stable assets are ERC-20 tokens.
type EVMLedger struct {
	client   EthClient
	cfg      EVMConfig
	tokenABI abi.ABI
}

func NewEVMLedger(client EthClient, cfg EVMConfig) (*EVMLedger, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.PlatformToken != "" && !common.IsHexAddress(cfg.PlatformToken) {
		return nil, fmt.Errorf("%w: platform token %q", ErrInvalidAccount, cfg.PlatformToken)
	}
	stable := make(map[string]int32, len(cfg.StableDecimals))
	for code, d := range cfg.StableDecimals {
		stable[strings.ToUpper(code)] = d
	}
	cfg.StableDecimals = stable

	return &EVMLedger{client: client, cfg: cfg, tokenABI: parsed}, nil
}

// DialEVM connects to an RPC endpoint, filling in the chain id when unset
func DialEVM(ctx context.Context, rpcURL string, cfg EVMConfig) (*EVMLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read chain id: %w", err)
		}
		cfg.ChainID = id
	}
	return NewEVMLedger(client, cfg)
}

// Decimals returns the number of decimals the chain uses for asset
func (l *EVMLedger) Decimals(asset models.PaymentAsset) (int32, error) {
	switch asset.Kind {
	case models.AssetKindNative:
		return l.cfg.NativeDecimals, nil
	case models.AssetKindPlatform:
		return l.cfg.PlatformDecimals, nil
	case models.AssetKindStable:
		d, ok := l.cfg.StableDecimals[strings.ToUpper(asset.Code)]
		if !ok {
			return 0, fmt.Errorf("%w: no decimals for %s", ErrUnsupportedAsset, asset.Code)
		}
		return d, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Kind)
}

// tokenContract returns the ERC-20 contract of asset, or nil for the native asset
func (l *EVMLedger) tokenContract(asset models.PaymentAsset) (*common.Address, error) {
	switch asset.Kind {
	case models.AssetKindNative:
		return nil, nil
	case models.AssetKindPlatform:
		if l.cfg.PlatformToken == "" {
			return nil, fmt.Errorf("%w: platform token not configured", ErrUnsupportedAsset)
		}
		addr := common.HexToAddress(l.cfg.PlatformToken)
		return &addr, nil
	case models.AssetKindStable:
		if !common.IsHexAddress(asset.Issuer) {
			return nil, fmt.Errorf("%w: issuer %q", ErrUnsupportedAsset, asset.Issuer)
		}
		addr := common.HexToAddress(asset.Issuer)
		return &addr, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Kind)
}

func (l *EVMLedger) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, l.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func parseAccount(account string) (common.Address, error) {
	if !common.IsHexAddress(account) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return common.HexToAddress(account), nil
}

// PrepareTransfer builds an unsigned EIP-1559 transaction moving t.Amount of t.Asset
func (l *EVMLedger) PrepareTransfer(ctx context.Context, t Transfer) ([]byte, error) {
	from, err := parseAccount(t.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAccount(t.To)
	if err != nil {
		return nil, err
	}
	decimals, err := l.Decimals(t.Asset)
	if err != nil {
		return nil, err
	}
	units, err := ToBaseUnits(t.Amount, decimals)
	if err != nil {
		return nil, err
	}
	token, err := l.tokenContract(t.Asset)
	if err != nil {
		return nil, err
	}

	ctx, cancel := l.callContext(ctx)
	defer cancel()

	nonce, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	feeCap := new(big.Int).Mul(tip, big.NewInt(2))
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}

	target := to
	value := units
	var data []byte
	if token != nil {
		data, err = l.tokenABI.Pack("transfer", to, units)
		if err != nil {
			return nil, fmt.Errorf("failed to pack transfer call: %w", err)
		}
		target = *token
		value = big.NewInt(0)
	}

	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &target,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &target,
		Value:     value,
		Data:      data,
	})

	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	logger.Debug("prepared transfer",
		zap.String("from", from.Hex()),
		zap.String("to", to.Hex()),
		zap.String("asset", t.Asset.String()),
		zap.String("amount", t.Amount.String()),
		zap.Uint64("nonce", nonce))

	return payload, nil
}

// Submit decodes and broadcasts a signed transaction
func (l *EVMLedger) Submit(ctx context.Context, signed []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if tx.ChainId().Cmp(l.cfg.ChainID) != 0 {
		return "", fmt.Errorf("%w: chain id %s, want %s", ErrInvalidPayload, tx.ChainId(), l.cfg.ChainID)
	}
	if _, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err != nil {
		return "", fmt.Errorf("%w: unsigned or malformed signature", ErrInvalidPayload)
	}

	ctx, cancel := l.callContext(ctx)
	defer cancel()

	if err := l.client.SendTransaction(ctx, tx); err != nil {
		// a resubmitted payload is refused ("already known", "nonce too low") once the
		// node has it pending or mined; its hash is still the answer
		if _, _, lerr := l.client.TransactionByHash(ctx, tx.Hash()); lerr != nil {
			return "", fmt.Errorf("failed to send transaction: %w", err)
		}
		logger.Debug("resubmitted transaction already known to the ledger",
			zap.String("tx_hash", tx.Hash().Hex()), zap.Error(err))
	}
	return tx.Hash().Hex(), nil
}

// LookupTransfer reads the committed transaction and its receipt
func (l *EVMLedger) LookupTransfer(ctx context.Context, txHash string, expected models.PaymentAsset) (*Settlement, error) {
	raw, err := decodeHash(txHash)
	if err != nil {
		return nil, err
	}
	hash := common.BytesToHash(raw)

	ctx, cancel := l.callContext(ctx)
	defer cancel()

	tx, pending, err := l.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotSettled
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if pending {
		return nil, ErrNotSettled
	}

	receipt, err := l.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotSettled
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender: %w", err)
	}

	s := &Settlement{
		TxHash:     hash.Hex(),
		From:       sender.Hex(),
		Successful: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		s.BlockNumber = receipt.BlockNumber.Uint64()
	}
	l.describeTransfer(s, sender, tx, receipt, expected)
	return s, nil
}

// describeTransfer fills the destination, asset and amount actually moved by tx
func (l *EVMLedger) describeTransfer(s *Settlement, sender common.Address, tx *types.Transaction, receipt *types.Receipt, expected models.PaymentAsset) {
	if len(tx.Data()) == 0 && tx.To() != nil {
		s.Asset = models.NativeAsset()
		s.To = tx.To().Hex()
		s.Amount = FromBaseUnits(tx.Value(), l.cfg.NativeDecimals)
		return
	}

	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != transferEventSig {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != sender {
			continue
		}
		asset := l.assetForToken(lg.Address, expected)
		decimals, err := l.Decimals(asset)
		if err != nil {
			decimals = 18
		}
		s.Asset = asset
		s.To = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		s.Amount = FromBaseUnits(new(big.Int).SetBytes(lg.Data), decimals)
		return
	}

	if tx.To() != nil {
		s.To = tx.To().Hex()
	}
	s.Amount = decimal.Zero
}

func (l *EVMLedger) assetForToken(token common.Address, expected models.PaymentAsset) models.PaymentAsset {
	if l.cfg.PlatformToken != "" && token == common.HexToAddress(l.cfg.PlatformToken) {
		return models.PlatformAsset()
	}
	if expected.Kind == models.AssetKindStable && strings.EqualFold(expected.Issuer, token.Hex()) {
		return expected
	}
	return models.PaymentAsset{Kind: models.AssetKindStable, Issuer: token.Hex()}
}

// Balance returns the native or ERC-20 balance of account
func (l *EVMLedger) Balance(ctx context.Context, account string, asset models.PaymentAsset) (decimal.Decimal, error) {
	owner, err := parseAccount(account)
	if err != nil {
		return decimal.Zero, err
	}
	decimals, err := l.Decimals(asset)
	if err != nil {
		return decimal.Zero, err
	}
	token, err := l.tokenContract(asset)
	if err != nil {
		return decimal.Zero, err
	}

	ctx, cancel := l.callContext(ctx)
	defer cancel()

	if token == nil {
		bal, err := l.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
		}
		return FromBaseUnits(bal, decimals), nil
	}

	data, err := l.tokenABI.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	values, err := l.tokenABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return decimal.Zero, fmt.Errorf("failed to decode balanceOf result: %v", err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.New("unexpected balanceOf result type")
	}
	return FromBaseUnits(bal, decimals), nil
}

func decodeHash(txHash string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(txHash, "0x"), "0X")
	if len(s) != 2*common.HashLength {
		return nil, fmt.Errorf("%w: malformed transaction hash %q", ErrInvalidPayload, txHash)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed transaction hash %q", ErrInvalidPayload, txHash)
	}
	return b, nil
}
