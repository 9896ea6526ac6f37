package p2p

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// banList counts offences per IP in a sliding window and bans an IP for a
// while once it crossed the threshold.
type banList struct {
	mu        sync.Mutex
	clock     clock.Clock
	threshold int
	window    time.Duration
	duration  time.Duration
	offences  map[string][]time.Time
	banned    map[string]time.Time
}

func newBanList(clk clock.Clock, threshold int, window, duration time.Duration) *banList {
	return &banList{
		clock:     clk,
		threshold: threshold,
		window:    window,
		duration:  duration,
		offences:  map[string][]time.Time{},
		banned:    map[string]time.Time{},
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// offend records an offence and reports whether it started a ban.
func (b *banList) offend(addr string) bool {
	host := hostOf(addr)
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if until, ok := b.banned[host]; ok && now.Before(until) {
		return false
	}
	recent := b.offences[host][:0]
	for _, t := range b.offences[host] {
		if now.Sub(t) < b.window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	if len(recent) < b.threshold {
		b.offences[host] = recent
		return false
	}
	delete(b.offences, host)
	b.banned[host] = now.Add(b.duration)
	return true
}

func (b *banList) isBanned(addr string) bool {
	host := hostOf(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.banned[host]
	if !ok {
		return false
	}
	if !b.clock.Now().Before(until) {
		delete(b.banned, host)
		return false
	}
	return true
}
