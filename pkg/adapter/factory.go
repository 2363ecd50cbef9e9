package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pario-ai/genroute/pkg/models"
)

// Factory builds an Adapter for an account.
type Factory func(spec models.AccountSpec) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a factory available under an account type name.
// Adapter packages call it from init.
func Register(typ string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(typ)] = f
}

// Types lists registered account types.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the adapter for spec.Type. An empty type means "http".
func New(spec models.AccountSpec) (Adapter, error) {
	typ := strings.ToLower(strings.TrimSpace(spec.Type))
	if typ == "" {
		typ = "http"
	}
	factoriesMu.RLock()
	f, ok := factories[typ]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: unknown adapter type %q (have %v)", spec.ID, spec.Type, Types())
	}
	return f(spec)
}

// Set is a concurrency-safe map of account id to adapter.
type Set struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{adapters: make(map[string]Adapter)}
}

// Add stores the adapter for an account, replacing any previous one.
func (s *Set) Add(id string, a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[id] = a
}

// Remove forgets an account's adapter.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adapters, id)
}

// Adapter returns the adapter for an account.
func (s *Set) Adapter(id string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[id]
	return a, ok
}

// Prober returns the adapter as a health prober.
func (s *Set) Prober(id string) (Prober, bool) {
	a, ok := s.Adapter(id)
	return a, ok
}

// BalanceReporter returns the adapter if it can report balances.
func (s *Set) BalanceReporter(id string) (BalanceReporter, bool) {
	a, ok := s.Adapter(id)
	if !ok {
		return nil, false
	}
	br, ok := a.(BalanceReporter)
	return br, ok
}
