package base

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond is used when no positive rate is configured.
const DefaultRequestsPerSecond = 10

// Client is a read-only JSON-RPC client for EVM chains.
type Client struct {
	ethClient *ethclient.Client
	rpcURL    string
	limiter   *rate.Limiter
}

// NewClient dials the node at rpcURL. Requests are throttled to
// requestsPerSecond with a burst of the same size.
func NewClient(rpcURL string, requestsPerSecond float64) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		ethClient: client,
		rpcURL:    rpcURL,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}, nil
}

func (c *Client) Close() {
	c.ethClient.Close()
}

func (c *Client) rateLimit(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// CallContract performs a single eth_call against the latest block.
// It never retries; callers decide how to treat failures.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}

	result, err := c.ethClient.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	return result, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.rateLimit(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}
	return c.ethClient.BlockNumber(ctx)
}
