// Package settings exposes the per-module enable switch and configuration
// used by micro-modules such as family, payments or support chat.
package settings

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"loginus/internal/events"
	"loginus/internal/store"
)

// Redacted replaces secret values in configuration returned to clients.
const Redacted = "********"

// ErrInvalidModuleID is returned for ids that are empty or malformed.
var ErrInvalidModuleID = errors.New("invalid module id")

var moduleIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,127}$`)

// secretSuffixes match the end of a key after lowercasing and dropping
// '_' and '-', so bot_token, botToken and BOT-TOKEN are all secret.
var secretSuffixes = []string{"token", "secret", "password", "passwd", "apikey", "privatekey", "accesskey", "secretkey"}

// Repository is the persistence the service needs.
type Repository interface {
	Get(ctx context.Context, moduleID string) (*store.ModuleSetting, error)
	List(ctx context.Context) ([]store.ModuleSetting, error)
	SetEnabled(ctx context.Context, moduleID string, enabled bool) error
	SetConfig(ctx context.Context, moduleID string, cfg map[string]any) error
}

// Emitter publishes module events.
type Emitter interface {
	Emit(ctx context.Context, name events.Name, payload any) (events.EmissionResult, error)
}

// Service reads and writes module settings. Unknown modules are disabled
// with an empty configuration.
type Service struct {
	repo Repository
	bus  Emitter
	log  zerolog.Logger
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	gen   map[string]uint64 // bumped by invalidate; stale loads skip the cache write
	group singleflight.Group
	now   func() time.Time
}

type cacheEntry struct {
	ms      store.ModuleSetting
	expires time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCacheTTL caches reads for ttl. Writes invalidate the entry.
func WithCacheTTL(ttl time.Duration) Option { return func(s *Service) { s.ttl = ttl } }

// WithEmitter publishes module.toggled and module.config_updated.
func WithEmitter(e Emitter) Option { return func(s *Service) { s.bus = e } }

// WithLogger installs a logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// New returns a Service backed by repo.
func New(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, log: zerolog.Nop(), cache: make(map[string]cacheEntry), gen: make(map[string]uint64), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ValidateModuleID checks the id format.
func ValidateModuleID(id string) error {
	if !moduleIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleID, id)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (store.ModuleSetting, error) {
	if err := ValidateModuleID(id); err != nil {
		return store.ModuleSetting{}, err
	}
	var gen uint64
	if s.ttl > 0 {
		s.mu.Lock()
		e, ok := s.cache[id]
		gen = s.gen[id]
		s.mu.Unlock()
		if ok && s.now().Before(e.expires) {
			return e.ms, nil
		}
	}
	v, err, _ := s.group.Do(id, func() (any, error) {
		ms, err := s.repo.Get(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return store.ModuleSetting{ModuleID: id, Config: map[string]any{}}, nil
		case err != nil:
			return nil, err
		}
		return *ms, nil
	})
	if err != nil {
		return store.ModuleSetting{}, err
	}
	ms := v.(store.ModuleSetting)
	if s.ttl > 0 {
		s.mu.Lock()
		if s.gen[id] == gen {
			s.cache[id] = cacheEntry{ms: ms, expires: s.now().Add(s.ttl)}
		}
		s.mu.Unlock()
	}
	return ms, nil
}

func (s *Service) invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.gen[id]++
	s.mu.Unlock()
	s.group.Forget(id)
}

// GetModuleStatus reports whether moduleID is enabled. Missing rows are disabled.
func (s *Service) GetModuleStatus(ctx context.Context, moduleID string) (bool, error) {
	ms, err := s.load(ctx, moduleID)
	if err != nil {
		return false, err
	}
	return ms.Enabled, nil
}

// GetModuleConfig returns a copy of the stored configuration, unredacted.
func (s *Service) GetModuleConfig(ctx context.Context, moduleID string) (map[string]any, error) {
	ms, err := s.load(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return copyMap(ms.Config), nil
}

// GetRedactedConfig is GetModuleConfig with secret values masked.
func (s *Service) GetRedactedConfig(ctx context.Context, moduleID string) (map[string]any, error) {
	cfg, err := s.GetModuleConfig(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return RedactedConfig(cfg), nil
}

// ToggleModule stores the flag and emits module.toggled when it changed.
func (s *Service) ToggleModule(ctx context.Context, moduleID string, enabled bool) error {
	s.invalidate(moduleID)
	prev, err := s.load(ctx, moduleID)
	if err != nil {
		return err
	}
	if err := s.repo.SetEnabled(ctx, moduleID, enabled); err != nil {
		return err
	}
	s.invalidate(moduleID)
	s.log.Info().Str("module", moduleID).Bool("enabled", enabled).Msg("module toggled")
	if prev.Enabled != enabled {
		s.emit(ctx, events.ModuleToggled, events.ModulePayload{ModuleID: moduleID, Enabled: enabled})
	}
	return nil
}

// SetModuleConfig replaces the configuration. Values equal to Redacted keep
// the stored secret so a redacted read can be written back unchanged.
func (s *Service) SetModuleConfig(ctx context.Context, moduleID string, cfg map[string]any) error {
	s.invalidate(moduleID)
	prev, err := s.load(ctx, moduleID)
	if err != nil {
		return err
	}
	next := restoreSecrets(cfg, prev.Config)
	if err := s.repo.SetConfig(ctx, moduleID, next); err != nil {
		return err
	}
	s.invalidate(moduleID)
	s.log.Info().Str("module", moduleID).Int("keys", len(next)).Msg("module config updated")
	s.emit(ctx, events.ModuleConfigUpdated, events.ModulePayload{ModuleID: moduleID, Enabled: prev.Enabled})
	return nil
}

// Status is one row of List.
type Status struct {
	ModuleID  string    `json:"module_id"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns every persisted module.
func (s *Service) List(ctx context.Context) ([]Status, error) {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(rows))
	for i, r := range rows {
		out[i] = Status{ModuleID: r.ModuleID, Enabled: r.Enabled, UpdatedAt: r.UpdatedAt}
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, name events.Name, payload any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Emit(ctx, name, payload); err != nil {
		s.log.Warn().Err(err).Str("event", string(name)).Msg("emit failed")
	}
}

// RedactedConfig returns a deep copy of cfg with secret-looking keys masked.
func RedactedConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch {
		case isSecretKey(k):
			out[k] = Redacted
		default:
			out[k] = redactValue(v)
		}
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return RedactedConfig(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(k string) bool {
	k = strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(k))
	for _, s := range secretSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

// restoreSecrets copies cfg, replacing masked secret values with the ones in
// prev. Masked values with no stored counterpart are dropped.
func restoreSecrets(cfg, prev map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch val := v.(type) {
		case string:
			if val == Redacted && isSecretKey(k) {
				if old, ok := prev[k]; ok {
					out[k] = old
				}
				continue
			}
		case map[string]any:
			p, _ := prev[k].(map[string]any)
			out[k] = restoreSecrets(val, p)
			continue
		}
		out[k] = v
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
