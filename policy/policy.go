package policy

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jessevdk/go-flags"
)

// Policy decides which peers this node trades with. A denied peer is never
// matched. When the allowlist is empty every other peer is accepted.
type Policy struct {
	AllowedPeers []string `long:"allowlisted_peers" description:"Peers this node accepts orders and taker requests from. Empty means all peers."`
	DeniedPeers  []string `long:"denylisted_peers" description:"Peers this node never matches with."`

	mu   sync.RWMutex
	path string
}

func (p *Policy) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("allowlisted_peers: %s\ndenylisted_peers: %s", p.AllowedPeers, p.DeniedPeers)
}

// IsPeerAllowed returns if the peer may take or make orders with this node.
func (p *Policy) IsPeerAllowed(peer string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, denied := range p.DeniedPeers {
		if peer == denied {
			return false
		}
	}
	if len(p.AllowedPeers) == 0 {
		return true
	}
	for _, allowed := range p.AllowedPeers {
		if peer == allowed {
			return true
		}
	}
	return false
}

// AddToDenylist denies the peer and persists the policy file if there is
// one.
func (p *Policy) AddToDenylist(peer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, denied := range p.DeniedPeers {
		if peer == denied {
			return nil
		}
	}
	p.DeniedPeers = append(p.DeniedPeers, peer)
	return p.save()
}

// Reload reads the policy file again. The policy is left untouched if the
// file can not be parsed.
func (p *Policy) Reload() error {
	p.mu.RLock()
	path := p.path
	p.mu.RUnlock()
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fresh, err := create(f)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.AllowedPeers = fresh.AllowedPeers
	p.DeniedPeers = fresh.DeniedPeers
	p.mu.Unlock()
	return nil
}

// save is called with the lock held.
func (p *Policy) save() error {
	if p.path == "" {
		return nil
	}
	var content string
	for _, peer := range p.AllowedPeers {
		content += fmt.Sprintf("allowlisted_peers=%s\n", peer)
	}
	for _, peer := range p.DeniedPeers {
		content += fmt.Sprintf("denylisted_peers=%s\n", peer)
	}
	return os.WriteFile(p.path, []byte(content), 0600)
}

func DefaultPolicy() *Policy {
	return &Policy{}
}

// CreatePolicy returns a policy based on a DefaultPolicy. If the path to the
// policy file (ini notation) is empty, the default policy is used. A missing
// file is created on the first change.
func CreatePolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		p := DefaultPolicy()
		p.path = path
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := create(f)
	if err != nil {
		return nil, err
	}
	p.path = path
	return p, nil
}

func create(r io.Reader) (*Policy, error) {
	p := DefaultPolicy()
	parser := flags.NewParser(p, flags.Default)
	if err := flags.NewIniParser(parser).Parse(r); err != nil {
		return nil, err
	}
	return p, nil
}
