package coins

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry holds the enabled coins of a node. It is created at process start
// and closed at process stop; components receive it as a handle.
type Registry struct {
	mu    sync.RWMutex
	coins map[string]Coin
}

func NewRegistry() *Registry {
	return &Registry{coins: map[string]Coin{}}
}

func (r *Registry) Register(c Coin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.coins[c.Ticker()]; ok {
		return fmt.Errorf("%w: %s", ErrCoinAlreadyRegistered, c.Ticker())
	}
	r.coins[c.Ticker()] = c
	return nil
}

func (r *Registry) Get(ticker string) (Coin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coins[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCoinNotFound, ticker)
	}
	return c, nil
}

func (r *Registry) Tickers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tickers := lo.Keys(r.coins)
	sort.Strings(tickers)
	return tickers
}

// Close closes every coin that holds resources and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for ticker, c := range r.coins {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", ticker, err)
			}
		}
		delete(r.coins, ticker)
	}
	return firstErr
}
