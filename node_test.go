package peerdex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simnetConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Simnet = true
	cfg.P2P.ListenAddr = "127.0.0.1:0"
	cfg.Coins = []CoinConf{{Ticker: "BTC"}, {Ticker: "LTC", LockMultiplier: 2, RequestsPerSecond: 100}}
	cfg.Pairs = []string{"BTC/LTC"}
	cfg, err := SetDataDirPaths()(cfg)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNode_StartStopKeepsIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := simnetConfig(t)

	node, err := NewNode(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, node.Start(ctx))
	id := node.ID()
	assert.Equal(t, []string{"BTC", "LTC"}, node.Coins().Tickers())

	btc, err := node.Coins().Get("BTC")
	require.NoError(t, err)
	balance, err := btc.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100", balance.Spendable.RatString())

	assert.Empty(t, node.Swaps().ListActiveSwaps())
	node.Stop()

	restarted, err := NewNode(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop()
	assert.Equal(t, id, restarted.ID())
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), keyFileName)

	created, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	loaded, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, created.Serialize(), loaded.Serialize())

	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))
	_, err = LoadOrCreateKey(path)
	assert.Error(t, err)
}
