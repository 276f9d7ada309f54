package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence"
)

// Plugin implements PluginPersistence for in-memory storage
// This is primarily for testing and should not be used in production
type Plugin struct {
	mu        sync.RWMutex
	records   map[domain.Hash]*domain.ValidationRecord
	balances  map[domain.Address]uint64
	attestors map[domain.Address]domain.TrustedAttestor
	locker    *Locker
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	return New(), nil
}

func New() *Plugin {
	return &Plugin{
		records:   make(map[domain.Hash]*domain.ValidationRecord),
		balances:  make(map[domain.Address]uint64),
		attestors: make(map[domain.Address]domain.TrustedAttestor),
		locker:    NewLocker(),
	}
}

// ValidationStorage returns the validation storage implementation
func (p *Plugin) ValidationStorage() persistence.ValidationStorage {
	return &validationStorage{plugin: p}
}

// AttestorStorage returns the attestor registry implementation
func (p *Plugin) AttestorStorage() persistence.AttestorStorage {
	return &attestorStorage{plugin: p}
}

// Locker returns the in-process locker
func (p *Plugin) Locker() persistence.Locker {
	return p.locker
}

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error {
	return nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

// validationStorage implements persistence.ValidationStorage for in-memory storage
type validationStorage struct {
	plugin *Plugin
}

func (s *validationStorage) Create(ctx context.Context, rec *domain.ValidationRecord) error {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()

	if _, exists := s.plugin.records[rec.Request.Hash]; exists {
		return domain.ErrAlreadyExists
	}
	bal := s.plugin.balances[rec.Request.Requester]
	if bal < rec.Escrow {
		return fmt.Errorf("%w: balance %d, escrow %d", domain.ErrInsufficientFunds, bal, rec.Escrow)
	}
	s.plugin.balances[rec.Request.Requester] = bal - rec.Escrow
	rec.Version = 1
	s.plugin.records[rec.Request.Hash] = persistence.CloneRecord(rec)
	return nil
}

func (s *validationStorage) Get(ctx context.Context, hash domain.Hash) (*domain.ValidationRecord, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	rec, exists := s.plugin.records[hash]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return persistence.CloneRecord(rec), nil
}

func (s *validationStorage) Update(ctx context.Context, hash domain.Hash, fn persistence.Mutation) (*domain.ValidationRecord, error) {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()

	before, exists := s.plugin.records[hash]
	if !exists {
		return nil, domain.ErrNotFound
	}
	rec := persistence.CloneRecord(before)
	transfers, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if err := persistence.CheckConservation(before.Escrow, rec.Escrow, transfers); err != nil {
		return nil, err
	}

	// Compute every new balance before writing any of them.
	next := make(map[domain.Address]uint64, len(transfers))
	for _, t := range transfers {
		cur, ok := next[t.To]
		if !ok {
			cur = s.plugin.balances[t.To]
		}
		v, err := domain.AddAmount(cur, t.Amount)
		if err != nil {
			return nil, err
		}
		next[t.To] = v
	}
	for a, v := range next {
		s.plugin.balances[a] = v
	}
	rec.Version = before.Version + 1
	s.plugin.records[hash] = rec
	return persistence.CloneRecord(rec), nil
}

func (s *validationStorage) DueBefore(ctx context.Context, before time.Time, limit int) ([]domain.Hash, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	due := make([]*domain.ValidationRecord, 0)
	for _, rec := range s.plugin.records {
		if rec.Request.Status == domain.StatusPending && !rec.Request.Deadline.After(before) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Request.Deadline.Before(due[j].Request.Deadline) })
	out := make([]domain.Hash, 0, limit)
	for _, rec := range due {
		if len(out) >= limit {
			break
		}
		out = append(out, rec.Request.Hash)
	}
	return out, nil
}

func (s *validationStorage) Stats(ctx context.Context, now time.Time) ([]domain.ProtocolStats, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()

	byModel := make(map[domain.TrustModel]*domain.ProtocolStats)
	out := make([]domain.ProtocolStats, len(domain.AllModels))
	for i, m := range domain.AllModels {
		out[i].Model = m
		byModel[m] = &out[i]
	}
	for _, rec := range s.plugin.records {
		if rec.Request.Status != domain.StatusPending {
			continue
		}
		st := byModel[rec.Request.Model]
		if st == nil {
			continue
		}
		st.Pending++
		if !rec.Request.Deadline.After(now) {
			st.Overdue++
		}
	}
	return out, nil
}

func (s *validationStorage) Balance(ctx context.Context, addr domain.Address) (uint64, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()
	return s.plugin.balances[addr], nil
}

func (s *validationStorage) Deposit(ctx context.Context, addr domain.Address, amount uint64) (uint64, error) {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()

	v, err := domain.AddAmount(s.plugin.balances[addr], amount)
	if err != nil {
		return 0, err
	}
	s.plugin.balances[addr] = v
	return v, nil
}

// attestorStorage implements persistence.AttestorStorage for in-memory storage
type attestorStorage struct {
	plugin *Plugin
}

func (s *attestorStorage) PutAttestor(ctx context.Context, a domain.TrustedAttestor) error {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()
	s.plugin.attestors[a.Address] = a
	return nil
}

func (s *attestorStorage) GetAttestor(ctx context.Context, addr domain.Address) (*domain.TrustedAttestor, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()
	a, ok := s.plugin.attestors[addr]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (s *attestorStorage) RemoveAttestor(ctx context.Context, addr domain.Address) error {
	s.plugin.mu.Lock()
	defer s.plugin.mu.Unlock()
	if _, ok := s.plugin.attestors[addr]; !ok {
		return domain.ErrNotFound
	}
	delete(s.plugin.attestors, addr)
	return nil
}

func (s *attestorStorage) ListAttestors(ctx context.Context) ([]domain.TrustedAttestor, error) {
	s.plugin.mu.RLock()
	defer s.plugin.mu.RUnlock()
	out := make([]domain.TrustedAttestor, 0, len(s.plugin.attestors))
	for _, a := range s.plugin.attestors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}
