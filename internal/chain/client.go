// Package chain submits factory deployments to an EVM network and reads back
// receipts, fee levels and balances for the signing identity.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"github.com/klikdeploy/backend/internal/gas"
)

var (
	// ErrSequenceConflict means the network rejected the sequence number as
	// already used. The caller should refresh and retry.
	ErrSequenceConflict = errors.New("sequence number conflict")
	// ErrConfirmationTimeout means no receipt arrived within the wait.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
)

const factoryABI = `[{"inputs":[{"name":"_name","type":"string"},{"name":"_symbol","type":"string"},{"name":"_metadata","type":"string"},{"name":"salt","type":"bytes32"}],"name":"deployCoin","outputs":[],"stateMutability":"payable","type":"function"}]`

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// RPC is the subset of *ethclient.Client the deployer uses.
type RPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	RPCURL         string
	PrivateKeyHex  string
	FactoryAddress string
	// InitCodeHash of the deployed token contract; empty disables address prediction.
	InitCodeHash string
	GasLimit     uint64
	// BaseFeeHeadroomBps is added on top of the base fee when capping the max fee.
	BaseFeeHeadroomBps uint64
	PollInterval       time.Duration
	RequestsPerSecond  float64
}

func DefaultConfig() Config {
	return Config{
		GasLimit:           8_000_000,
		BaseFeeHeadroomBps: 2_000,
		PollInterval:       2 * time.Second,
		RequestsPerSecond:  10,
	}
}

// DeployRequest is one factory call.
type DeployRequest struct {
	Name     string
	Symbol   string
	Metadata string
	Salt     [32]byte
	Nonce    uint64
}

// Receipt is what the network reported for a mined transaction.
type Receipt struct {
	TxReference     string
	GasUsed         uint64
	EffectiveFeeWei uint64
	TokenAddress    string
	Reverted        bool
	BlockNumber     uint64
}

type Client struct {
	rpc          RPC
	key          *ecdsa.PrivateKey
	from         common.Address
	factory      common.Address
	initCodeHash common.Hash
	chainID      *big.Int
	abi          abi.ABI
	cfg          Config
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// Dial connects to cfg.RPCURL and returns a ready client.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, errors.New("chain rpc url required")
	}
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return New(ctx, ec, cfg, logger)
}

func New(ctx context.Context, rpc RPC, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.GasLimit == 0 {
		cfg.GasLimit = def.GasLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("invalid factory address %q", cfg.FactoryAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(factoryABI))
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	c := &Client{
		rpc:     rpc,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		factory: common.HexToAddress(cfg.FactoryAddress),
		abi:     parsed,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(math.Max(1, cfg.RequestsPerSecond))),
		logger:  logger,
	}
	if cfg.InitCodeHash != "" {
		c.initCodeHash = common.HexToHash(cfg.InitCodeHash)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.chainID, err = rpc.ChainID(ctx); err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	logger.Info("chain client ready", "chain_id", c.chainID.String(), "from", c.from.Hex(), "factory", c.factory.Hex())
	return c, nil
}

// Address is the signing identity.
func (c *Client) Address() string { return c.from.Hex() }

// RPC exposes the underlying connection for read-only contract calls.
func (c *Client) RPC() RPC { return c.rpc }

// CurrentSequence returns the pending transaction count of the signing identity.
func (c *Client) CurrentSequence(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.rpc.PendingNonceAt(ctx, c.from)
}

// FeeLevel is the current base fee plus the suggested priority fee, in wei per gas.
func (c *Client) FeeLevel(ctx context.Context) (uint64, error) {
	base, tip, err := c.fees(ctx)
	if err != nil {
		return 0, err
	}
	return saturate(new(big.Int).Add(base, tip)), nil
}

func (c *Client) fees(ctx context.Context) (base, tip *big.Int, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		return nil, nil, errors.New("network does not report a base fee")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	tip, err = c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	return head.BaseFee, tip, nil
}

// CustodialBalance is the signing identity's balance in whole gwei.
func (c *Client) CustodialBalance(ctx context.Context) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	wei, err := c.rpc.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	u, overflow := uint256.FromBig(wei)
	if overflow {
		return math.MaxInt64, nil
	}
	return gas.FloorGwei(u), nil
}

// PredictAddress returns the CREATE2 address the factory will deploy to for
// salt, or "" when no init code hash is configured.
func (c *Client) PredictAddress(salt [32]byte) string {
	if c.initCodeHash == (common.Hash{}) {
		return ""
	}
	return PredictAddress(c.factory, salt, c.initCodeHash)
}

// Submit signs and broadcasts the factory call and returns the tx reference.
func (c *Client) Submit(ctx context.Context, req DeployRequest) (string, error) {
	data, err := c.abi.Pack("deployCoin", req.Name, req.Symbol, req.Metadata, req.Salt)
	if err != nil {
		return "", fmt.Errorf("pack deployCoin: %w", err)
	}
	base, tip, err := c.fees(ctx)
	if err != nil {
		return "", err
	}
	headroom := new(big.Int).Mul(base, new(big.Int).SetUint64(c.cfg.BaseFeeHeadroomBps))
	headroom.Div(headroom, big.NewInt(10_000))
	feeCap := new(big.Int).Add(base, headroom)
	feeCap.Add(feeCap, tip)

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     req.Nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       c.cfg.GasLimit,
		To:        &c.factory,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		if !alreadyKnown(err) {
			return "", classifySendError(err)
		}
		// The node already pools this exact transaction; the broadcast stands.
		c.logger.Info("deployment already pooled", "tx", signed.Hash().Hex(), "nonce", req.Nonce)
		return signed.Hash().Hex(), nil
	}
	c.logger.Info("deployment broadcast", "tx", signed.Hash().Hex(), "nonce", req.Nonce,
		"symbol", req.Symbol, "max_fee_wei", feeCap.String())
	return signed.Hash().Hex(), nil
}

func alreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"nonce too low", "replacement transaction underpriced"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		}
	}
	return fmt.Errorf("send tx: %w", err)
}

// AwaitConfirmation polls for the receipt of ref until timeout elapses.
func (c *Client) AwaitConfirmation(ctx context.Context, ref string, timeout time.Duration) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	hash := common.HexToHash(ref)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return Receipt{}, c.waitErr(ctx, ref, err)
		}
		rcpt, err := c.rpc.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && rcpt != nil:
			return toReceipt(ref, rcpt), nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			c.logger.Warn("receipt lookup failed", "tx", ref, "error", err)
		}
		select {
		case <-ctx.Done():
			return Receipt{}, c.waitErr(ctx, ref, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) waitErr(ctx context.Context, ref string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrConfirmationTimeout, ref)
	}
	return err
}

func toReceipt(ref string, r *gethtypes.Receipt) Receipt {
	out := Receipt{
		TxReference:  ref,
		GasUsed:      r.GasUsed,
		Reverted:     r.Status != gethtypes.ReceiptStatusSuccessful,
		TokenAddress: mintedToken(r.Logs),
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveFeeWei = saturate(r.EffectiveGasPrice)
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}

// mintedToken finds the first Transfer from the zero address, which is the
// token mint emitted during deployment.
func mintedToken(logs []*gethtypes.Log) string {
	for _, l := range logs {
		if len(l.Topics) >= 2 && l.Topics[0] == transferTopic && l.Topics[1] == (common.Hash{}) {
			return l.Address.Hex()
		}
	}
	return ""
}

func saturate(b *big.Int) uint64 {
	if !b.IsUint64() {
		return math.MaxUint64
	}
	return b.Uint64()
}
