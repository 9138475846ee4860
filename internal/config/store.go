package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrInvalidConfig means validation rejected a draft; the previous
	// active config is retained.
	ErrInvalidConfig = errors.New("invalid_config")
	// ErrNoDraft means an activation was requested with no draft present.
	ErrNoDraft = errors.New("no_draft")
)

// Persister is the durable backing for config versions. Payloads are the
// JSON encoding of Config so the store owns its own schema.
type Persister interface {
	SaveConfigVersion(ctx context.Context, version int, status string, payload []byte) error
	// LoadConfigByStatus returns the payload of the single config with the
	// given status, or nil when none exists.
	LoadConfigByStatus(ctx context.Context, status string) ([]byte, error)
}

// Store owns the active/draft config records and fans out new snapshots to
// subscribers. Snapshots are immutable; readers keep the pointer they were
// handed and swap it when the subscription channel delivers a new one.
type Store struct {
	mu          sync.RWMutex
	active      *Config
	draft       *Config
	persister   Persister
	subscribers []chan *Config
}

// NewStore creates a store seeded with the default config. Call Load to warm
// from the database before serving.
func NewStore(p Persister) *Store {
	return &Store{
		active:    Default(),
		persister: p,
	}
}

// Load restores the active (and any draft) config from the persister. When
// nothing is persisted the built-in default becomes version 1 active.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		log.Println("[Config] No persistence configured, running on built-in defaults")
		return nil
	}

	payload, err := s.persister.LoadConfigByStatus(ctx, StatusActive)
	if err != nil {
		return err
	}
	if payload == nil {
		// First boot: persist the defaults as the initial active record.
		def := Default()
		def.UpdatedAt = time.Now()
		if err := s.saveLocked(ctx, def); err != nil {
			return err
		}
		s.mu.Lock()
		s.active = def
		s.mu.Unlock()
		log.Println("[Config] Installed default config as version 1")
		return nil
	}

	var active Config
	if err := json.Unmarshal(payload, &active); err != nil {
		return err
	}
	s.mu.Lock()
	s.active = &active
	s.mu.Unlock()

	if payload, err = s.persister.LoadConfigByStatus(ctx, StatusDraft); err == nil && payload != nil {
		var draft Config
		if err := json.Unmarshal(payload, &draft); err == nil {
			s.mu.Lock()
			s.draft = &draft
			s.mu.Unlock()
		}
	}

	log.Printf("[Config] Loaded active config version %d", active.Version)
	return nil
}

// Snapshot returns the current active config. The returned pointer must be
// treated as read-only.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Draft returns the current draft, or nil when none exists.
func (s *Store) Draft() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft
}

// Subscribe registers for snapshot updates. The channel is buffered; slow
// consumers miss intermediate versions but always converge on the latest.
func (s *Store) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// SaveDraft stores cfg as the single draft record, replacing any previous
// draft. Drafts are edited in place and only validated at activation.
func (s *Store) SaveDraft(ctx context.Context, cfg *Config) error {
	s.mu.Lock()
	cfg.Status = StatusDraft
	cfg.Version = s.active.Version + 1
	cfg.UpdatedAt = time.Now()
	s.draft = cfg
	s.mu.Unlock()

	return s.saveLocked(ctx, cfg)
}

// DiscardDraft drops the draft. Discarding with no draft is a no-op.
func (s *Store) DiscardDraft(ctx context.Context) error {
	s.mu.Lock()
	had := s.draft != nil
	s.draft = nil
	s.mu.Unlock()

	if had && s.persister != nil {
		return s.persister.SaveConfigVersion(ctx, 0, StatusDraft, nil)
	}
	return nil
}

// ActivateDraft validates the draft, bumps the version, swaps the active
// pointer and archives the previous active, then publishes the new snapshot.
// On validation failure the previous active is untouched.
func (s *Store) ActivateDraft(ctx context.Context) (*Config, error) {
	s.mu.Lock()
	if s.draft == nil {
		s.mu.Unlock()
		return nil, ErrNoDraft
	}
	candidate := s.draft
	previous := s.active
	s.mu.Unlock()

	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	candidate.Status = StatusActive
	candidate.Version = previous.Version + 1
	candidate.UpdatedAt = time.Now()

	if s.persister != nil {
		// Archive the old active and promote the draft in one durable step.
		prevPayload, err := json.Marshal(archived(previous))
		if err != nil {
			return nil, err
		}
		if err := s.persister.SaveConfigVersion(ctx, previous.Version, StatusArchived, prevPayload); err != nil {
			return nil, err
		}
		if err := s.saveLocked(ctx, candidate); err != nil {
			return nil, err
		}
		if err := s.persister.SaveConfigVersion(ctx, 0, StatusDraft, nil); err != nil {
			log.Printf("[Config] Warning: failed to clear draft record: %v", err)
		}
	}

	s.mu.Lock()
	s.active = candidate
	s.draft = nil
	subs := make([]chan *Config, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, ch := range subs {
		// Replace a pending snapshot rather than blocking the activation.
		select {
		case <-ch:
		default:
		}
		ch <- candidate
	}

	log.Printf("[Config] Activated config version %d (previous %d archived)", candidate.Version, previous.Version)
	return candidate, nil
}

func (s *Store) saveLocked(ctx context.Context, cfg *Config) error {
	if s.persister == nil {
		return nil
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.persister.SaveConfigVersion(ctx, cfg.Version, cfg.Status, payload)
}

func archived(c *Config) *Config {
	cp := *c
	cp.Status = StatusArchived
	return &cp
}
