// Package service assembles the router and its collaborators from config.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/genroute/pkg/adapter"
	_ "github.com/pario-ai/genroute/pkg/adapter/httpgen"
	_ "github.com/pario-ai/genroute/pkg/adapter/mock"
	"github.com/pario-ai/genroute/pkg/alerts"
	"github.com/pario-ai/genroute/pkg/audit"
	"github.com/pario-ai/genroute/pkg/budget"
	cachepkg "github.com/pario-ai/genroute/pkg/cache/sqlite"
	"github.com/pario-ai/genroute/pkg/config"
	"github.com/pario-ai/genroute/pkg/health"
	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/registry"
	"github.com/pario-ai/genroute/pkg/router"
	"github.com/pario-ai/genroute/pkg/tracker"
)

// Service owns every long-lived component.
type Service struct {
	Registry *registry.Registry
	Adapters *adapter.Set
	Budget   *budget.Tracker
	Health   *health.Monitor
	Poller   *budget.Poller
	Router   *router.Router
	Alerts   *alerts.Dispatcher
	Store    *tracker.SQLiteTracker
	Cache    *cachepkg.Cache
	Audit    *audit.Logger

	amqp *alerts.AMQP

	mu        sync.Mutex
	cfg       *config.Config
	configIDs map[string]bool
}

// AuditPath returns the journal database path, defaulting to a sibling of
// the main database.
func AuditPath(cfg *config.Config) string {
	if cfg.Audit.DBPath != "" {
		return cfg.Audit.DBPath
	}
	ext := filepath.Ext(cfg.DBPath)
	return strings.TrimSuffix(cfg.DBPath, ext) + "-audit" + ext
}

// Build wires a Service from cfg and restores persisted accounts and
// budget snapshots. Background loops start with Run.
func Build(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := logging.Component("service")
	s := &Service{
		Registry:  registry.New(cfg.Tiers),
		Adapters:  adapter.NewSet(),
		cfg:       cfg,
		configIDs: make(map[string]bool),
	}
	s.Registry.SetEmergencyMode(cfg.EmergencyMode)

	var err error
	if s.Store, err = tracker.New(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	if cfg.Cache.Enabled {
		if s.Cache, err = cachepkg.New(cfg.DBPath, cfg.Cache.TTL); err != nil {
			s.Close()
			return nil, fmt.Errorf("init cache: %w", err)
		}
	}
	if cfg.Audit.Enabled {
		acfg := cfg.Audit
		acfg.DBPath = AuditPath(cfg)
		if s.Audit, err = audit.New(acfg); err != nil {
			s.Close()
			return nil, fmt.Errorf("init audit: %w", err)
		}
	}

	for _, spec := range cfg.Accounts {
		if _, err := s.register(spec); err != nil {
			s.Close()
			return nil, err
		}
		s.configIDs[strings.TrimSpace(spec.ID)] = true
	}
	persisted, err := s.Store.LoadAccounts(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for _, spec := range persisted {
		if s.configIDs[spec.ID] {
			continue
		}
		if _, err := s.register(spec); err != nil {
			log.Warn("skipping persisted account", "account", spec.ID, "err", err)
		}
	}

	s.Budget = budget.New(s.Registry, budget.Options{
		Warning:          cfg.Budget.Warning,
		Critical:         cfg.Budget.Critical,
		AnomalyTolerance: cfg.Budget.AnomalyTolerance,
	})
	snaps, err := s.Store.LoadSnapshots(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load budget snapshots: %w", err)
	}
	for _, snap := range snaps {
		if err := s.Budget.Restore(snap); err != nil {
			log.Debug("ignoring snapshot for unknown account", "account", snap.AccountID)
		}
	}

	s.Health = health.New(s.Registry, s.Adapters, health.Options{
		Interval:         cfg.Health.Interval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		LatencyThreshold: cfg.Health.LatencyThreshold,
	})
	s.Poller = budget.NewPoller(s.Budget, s.Adapters, cfg.Budget.PollInterval, cfg.Health.ProbeTimeout)

	s.Alerts = alerts.NewDispatcher(cfg.Alerts.QueueSize, s.notifiers(cfg.Alerts)...)
	s.Budget.Subscribe(s.Alerts.Publish)
	if cfg.Emergency.AutoOnCritical {
		s.Budget.Subscribe(s.autoEmergency)
	}

	ropts := router.Options{
		MaxRetries:      cfg.Router.MaxRetries,
		MaxFailover:     cfg.Router.MaxFailover,
		BaseBackoff:     cfg.Router.BaseBackoff,
		MaxBackoff:      cfg.Router.MaxBackoff,
		DispatchTimeout: cfg.Router.DispatchTimeout,
		IdempotencyMode: router.IdempotencyMode(cfg.Router.Idempotency),
		Recorder:        s.Store,
	}
	if s.Cache != nil {
		ropts.Cache = s.Cache
	}
	if s.Audit != nil {
		ropts.Journal = s.Audit
	}
	s.Router = router.New(s.Registry, s.Budget, s.Health, s.Adapters, ropts)

	log.Info("service ready", "accounts", len(s.Registry.List()), "emergency", s.Registry.EmergencyMode())
	return s, nil
}

func (s *Service) notifiers(cfg config.AlertsConfig) []alerts.Notifier {
	out := []alerts.Notifier{alerts.LogNotifier{}}
	if cfg.WebhookURL != "" {
		out = append(out, alerts.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	if cfg.AMQPURL != "" {
		a, err := alerts.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logging.Component("service").Warn("amqp alerts disabled", "err", err)
		} else {
			s.amqp = a
			out = append(out, a)
		}
	}
	return out
}

// register builds the adapter for spec and adds the account.
func (s *Service) register(spec models.AccountSpec) (string, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	a, err := adapter.New(spec)
	if err != nil {
		return "", fmt.Errorf("%w: %v", registry.ErrInvalidAccount, err)
	}
	id, err := s.Registry.AddAccount(spec)
	if err != nil {
		return "", err
	}
	s.Adapters.Add(id, a)
	return id, nil
}

// autoEmergency switches to the zero-cost tier once every usable paid
// account is at or below the critical threshold.
func (s *Service) autoEmergency(ev models.ThresholdEvent) {
	if ev.Level == models.LevelWarning || s.Registry.EmergencyMode() {
		return
	}
	paid := 0
	for _, a := range s.Registry.List() {
		if !a.Active || a.Health == models.HealthDead || !s.servesPaidTier(a) {
			continue
		}
		paid++
		if a.Budget.Unlimited() || *a.Budget.Remaining > s.critical() {
			return
		}
	}
	if paid == 0 {
		return
	}
	s.Router.SetEmergencyMode(true)
	logging.Component("service").Warn("all paid accounts at critical, emergency mode enabled", "trigger", ev.AccountID)
}

func (s *Service) servesPaidTier(a models.Account) bool {
	for _, c := range a.Capabilities {
		if t, ok := s.Registry.Tier(c); ok && t.CostPerUnit > 0 {
			return true
		}
	}
	return false
}

func (s *Service) critical() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Budget.Critical
}

// Run starts health probing, balance polling, alert delivery and periodic
// snapshots. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.Health.Run(ctx); return nil })
	g.Go(func() error { s.Poller.Run(ctx); return nil })
	g.Go(func() error { s.Alerts.Run(ctx); return nil })
	g.Go(func() error { s.snapshotLoop(ctx); return nil })
	return g.Wait()
}

func (s *Service) snapshotLoop(ctx context.Context) {
	s.mu.Lock()
	interval := s.cfg.Budget.SnapshotInterval
	s.mu.Unlock()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveSnapshot(ctx); err != nil {
				logging.Component("service").Warn("budget snapshot failed", "err", err)
			}
		}
	}
}

// SaveSnapshot persists every account's budget state.
func (s *Service) SaveSnapshot(ctx context.Context) error {
	now := time.Now().UTC()
	var snaps []models.BudgetSnapshot
	for id, b := range s.Budget.Snapshot() {
		snaps = append(snaps, models.BudgetSnapshot{
			AccountID:     id,
			Remaining:     b.Remaining,
			ConsumedToday: b.ConsumedToday,
			Day:           b.Day,
			LastRefreshed: b.LastRefreshed,
			Stale:         b.Stale,
			SavedAt:       now,
		})
	}
	return s.Store.SaveSnapshots(ctx, snaps)
}

// Close persists a final snapshot and releases every store.
func (s *Service) Close() error {
	var errs []error
	if s.Store != nil && s.Budget != nil {
		if err := s.SaveSnapshot(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("save snapshot: %w", err))
		}
	}
	if s.amqp != nil {
		s.amqp.Close()
	}
	if s.Audit != nil {
		errs = append(errs, s.Audit.Close())
	}
	if s.Cache != nil {
		errs = append(errs, s.Cache.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
