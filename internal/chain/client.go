package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"rangekeeper/internal/model"
)

// Options tunes transaction submission behavior.
type Options struct {
	// GasBumpPercent is added on top of the node's suggested gas price.
	GasBumpPercent int64
	// ConfirmTimeout bounds receipt polling for a sent transaction.
	ConfirmTimeout time.Duration
	// ConfirmPollInterval is the receipt polling cadence.
	ConfirmPollInterval time.Duration
}

// Client wraps go-ethereum RPC with signing and confirmation helpers.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	opts    Options
}

// NewClient dials the RPC endpoint and derives the signer wallet from the
// hex private key.
func NewClient(ctx context.Context, rpcURL, privateKeyHex string, opts Options) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	ethClient := ethclient.NewClient(rpcClient)

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("get chain id: %w", err)
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	if opts.GasBumpPercent < 0 {
		opts.GasBumpPercent = 0
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	if opts.ConfirmPollInterval <= 0 {
		opts.ConfirmPollInterval = 3 * time.Second
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethClient,
		chainID:   chainID,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		opts:      opts,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// From returns the signer wallet address.
func (c *Client) From() common.Address {
	return c.from
}

// ChainID returns the connected chain ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// CallContract performs an eth_call.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// GasPrice returns the suggested gas price bumped by the configured percent.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	bumped := new(big.Int).Mul(price, big.NewInt(100+c.opts.GasBumpPercent))
	return bumped.Div(bumped, big.NewInt(100)), nil
}

// Transact builds, signs, and sends a contract call, then waits for its
// receipt. A revert surfaces as ErrTransactionReverted; an expired
// confirmation window surfaces as ErrTransactionTimeout, leaving the true
// outcome to reconciliation.
func (c *Client) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	nonce, err := c.ethClient.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	if value == nil {
		value = new(big.Int)
	}

	gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.from,
		To:       &to,
		Value:    value,
		Data:     data,
		GasPrice: gasPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit = gasLimit + gasLimit/5

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	return c.waitMined(ctx, signed.Hash())
}

func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(c.opts.ConfirmTimeout)
	ticker := time.NewTicker(c.opts.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.ethClient.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("tx %s: %w", txHash.Hex(), model.ErrTransactionReverted)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tx %s: %w", txHash.Hex(), model.ErrTransactionTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
