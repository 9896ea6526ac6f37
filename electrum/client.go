package electrum

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/checksum0/go-electrum/electrum"
	"github.com/peerdex/peerdex/log"
	"github.com/pkg/errors"
)

// Client is an RPC over a single electrum connection that reconnects when a
// ping fails.
type Client struct {
	mu       sync.Mutex
	client   *electrum.Client
	endpoint string
	isTLS    bool
}

var _ RPC = (*Client)(nil)

func NewElectrumClient(ctx context.Context, endpoint string, isTLS bool) (*Client, error) {
	ec, err := newClient(ctx, endpoint, isTLS)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to electrum server %s", endpoint)
	}
	return &Client{
		client:   ec,
		endpoint: endpoint,
		isTLS:    isTLS,
	}, nil
}

// reconnect reconnects to the electrum server if the connection is lost.
func (c *Client) reconnect(ctx context.Context) (*electrum.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.client.Ping(ctx); err != nil {
		log.Infof("failed to ping electrum server: %v", err)
		log.Infof("reconnecting to electrum server")
		client, err := newClient(ctx, c.endpoint, c.isTLS)
		if err != nil {
			return nil, errors.Wrap(err, "reconnect")
		}
		c.client.Shutdown()
		c.client = client
	}
	return c.client, nil
}

func newClient(ctx context.Context, endpoint string, isTLS bool) (*electrum.Client, error) {
	if isTLS {
		return electrum.NewClientSSL(ctx, endpoint, &tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}
	return electrum.NewClientTCP(ctx, endpoint)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client.Shutdown()
	return nil
}

func (c *Client) SubscribeHeaders(ctx context.Context) (<-chan *electrum.SubscribeHeadersResult, error) {
	client, err := c.reconnect(ctx)
	if err != nil {
		return nil, err
	}
	return client.SubscribeHeaders(ctx)
}

func (c *Client) GetHistory(ctx context.Context, scripthash string) ([]*electrum.GetMempoolResult, error) {
	client, err := c.reconnect(ctx)
	if err != nil {
		return nil, err
	}
	history, err := client.GetHistory(ctx, scripthash)
	return history, errors.Wrap(err, "get history")
}

// GetRawTransaction retrieves the raw transaction data for a given transaction
// and handles retries in case of a "missing transaction" error. Servers
// answer with it for a short while after a transaction showed up in a
// script history.
func (c *Client) GetRawTransaction(ctx context.Context, txHash string) (string, error) {
	var rawTx string

	err := retryWithBackoff(ctx, func() error {
		client, err := c.reconnect(ctx)
		if err != nil {
			return err
		}
		var innerErr error
		rawTx, innerErr = client.GetRawTransaction(ctx, txHash)
		return innerErr
	})

	return rawTx, err
}

func retryWithBackoff(ctx context.Context, operation func() error) error {
	const maxRetries = 10
	const maxElapsedTime = 2 * time.Minute

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.MaxElapsedTime = maxElapsedTime

	return backoff.Retry(func() error {
		err := operation()
		if err != nil {
			log.Debugf("Error during operation: %v", err)
			if strings.Contains(err.Error(), "missing transaction") {
				log.Debugf("Retrying due to missing transaction error: %v", err)
				return err
			}
			return backoff.Permanent(errors.Wrap(err, "permanent error"))
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoffStrategy, uint64(maxRetries)), ctx))
}

func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]*electrum.ListUnspentResult, error) {
	client, err := c.reconnect(ctx)
	if err != nil {
		return nil, err
	}
	utxos, err := client.ListUnspent(ctx, scripthash)
	return utxos, errors.Wrap(err, "list unspent")
}

func (c *Client) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	client, err := c.reconnect(ctx)
	if err != nil {
		return "", err
	}
	return client.BroadcastTransaction(ctx, rawTx)
}

func (c *Client) GetFee(ctx context.Context, target uint32) (float32, error) {
	client, err := c.reconnect(ctx)
	if err != nil {
		return 0, err
	}
	fee, err := client.GetFee(ctx, target)
	return fee, errors.Wrap(err, "get fee")
}
