package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pario-ai/genroute/pkg/config"
	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
)

// Submit routes one request.
func (s *Service) Submit(ctx context.Context, req models.GenerationRequest) models.DispatchOutcome {
	return s.Router.Submit(ctx, req)
}

// GetAccountStatus returns the dashboard view of the pool.
func (s *Service) GetAccountStatus() []models.AccountStatus {
	return s.Router.GetAccountStatus()
}

// SetEmergencyMode switches every request to the zero-cost tier.
func (s *Service) SetEmergencyMode(on bool) { s.Router.SetEmergencyMode(on) }

// EmergencyMode reports whether emergency mode is on.
func (s *Service) EmergencyMode() bool { return s.Router.EmergencyMode() }

// RefreshBalance applies an externally checked balance.
func (s *Service) RefreshBalance(id string, remaining int64) error {
	return s.Budget.RefreshBalance(id, remaining)
}

// AddAccount registers an account at runtime and persists it so it
// survives restarts.
func (s *Service) AddAccount(ctx context.Context, spec models.AccountSpec) (string, error) {
	id, err := s.register(spec)
	if err != nil {
		return "", err
	}
	spec.ID = id
	if err := s.Store.SaveAccount(ctx, spec); err != nil {
		return id, fmt.Errorf("persist account %s: %w", id, err)
	}
	logging.Component("service").Info("account added", "account", id, "provider", spec.Provider)
	return id, nil
}

// RemoveAccount deactivates an account. Dispatches already bound to it
// finish normally.
func (s *Service) RemoveAccount(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if err := s.Registry.RemoveAccount(id); err != nil {
		return err
	}
	if err := s.Store.DeleteAccount(ctx, id); err != nil {
		return fmt.Errorf("forget account %s: %w", id, err)
	}
	logging.Component("service").Info("account removed", "account", id)
	return nil
}

// ApplyConfig applies a reloaded config: tiers, emergency flag, log level,
// accounts added to or dropped from the file. An inactive account is
// reactivated only when it returns to the file, so accounts removed at
// runtime stay removed across unrelated edits. Changes to an existing
// account's spec and to router bounds need a restart.
func (s *Service) ApplyConfig(cfg *config.Config) {
	log := logging.Component("service")

	s.mu.Lock()
	prev := s.cfg
	listed := s.configIDs
	s.cfg = cfg
	s.mu.Unlock()

	logging.SetLevel(cfg.Log.Level)
	s.Registry.SetTiers(cfg.Tiers)
	if cfg.EmergencyMode != prev.EmergencyMode {
		s.Router.SetEmergencyMode(cfg.EmergencyMode)
	}
	if cfg.Router != prev.Router {
		log.Warn("router settings changed, restart to apply")
	}

	next := make(map[string]bool, len(cfg.Accounts))
	for _, spec := range cfg.Accounts {
		id := strings.TrimSpace(spec.ID)
		next[id] = true
		existing, err := s.Registry.Get(id)
		switch {
		case err != nil:
			if _, err := s.register(spec); err != nil {
				log.Warn("reload: cannot add account", "account", id, "err", err)
				continue
			}
			log.Info("reload: account added", "account", id)
		case !existing.Active && !listed[id]:
			_ = s.Registry.SetActive(id, true)
			log.Info("reload: account reactivated", "account", id)
		}
	}

	s.mu.Lock()
	dropped := make([]string, 0)
	for id := range s.configIDs {
		if !next[id] {
			dropped = append(dropped, id)
		}
	}
	s.configIDs = next
	s.mu.Unlock()

	for _, id := range dropped {
		if err := s.Registry.RemoveAccount(id); err == nil {
			log.Info("reload: account deactivated", "account", id)
		}
	}
}
