// Package session hands out one remote session per account, created on first use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jdholdren/mynah/internal/mynah"
	"github.com/jdholdren/mynah/internal/scheduler"
	"github.com/jdholdren/mynah/internal/timeline"
)

type (
	// Session is everything needed to talk to the remote as one account.
	Session struct {
		Account   string
		Scheduler *scheduler.Scheduler
		Client    *timeline.Client
		Sync      *timeline.Synchronizer
	}

	// Factory builds the session of an account.
	Factory func(ctx context.Context, account string) (*Session, error)

	// Provider caches sessions by account.
	Provider struct {
		factory Factory

		mu       sync.Mutex
		sessions map[string]*Session
		closed   bool
	}
)

func NewProvider(factory Factory) *Provider {
	return &Provider{
		factory:  factory,
		sessions: map[string]*Session{},
	}
}

// Get returns the account's session, creating it if this is the first ask.
//
// A failed creation isn't remembered, so the next Get tries again.
func (p *Provider) Get(ctx context.Context, account string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, mynah.ErrClosed
	}
	if s, ok := p.sessions[account]; ok {
		return s, nil
	}

	s, err := p.factory(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("error creating session for %s: %w", account, err)
	}
	p.sessions[account] = s
	slog.InfoContext(ctx, "created session", "account", account)

	return s, nil
}

// Lookup returns an already created session without creating one.
func (p *Provider) Lookup(account string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[account]
	return s, ok
}

// Accounts lists the accounts with a session, sorted.
func (p *Provider) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	accounts := make([]string, 0, len(p.sessions))
	for a := range p.sessions {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	return accounts
}

// Close closes the scheduler of every session. Get fails afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = map[string]*Session{}
	p.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if s.Scheduler == nil {
			continue
		}
		if err := s.Scheduler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing scheduler of %s: %w", s.Account, err))
		}
	}

	return errors.Join(errs...)
}
