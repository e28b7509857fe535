package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"loginus/internal/events"
	"loginus/internal/store"
)

type countingRepo struct {
	Repository
	gets atomic.Int32
}

func (r *countingRepo) Get(ctx context.Context, id string) (*store.ModuleSetting, error) {
	r.gets.Add(1)
	return r.Repository.Get(ctx, id)
}

func newService(t *testing.T, opts ...Option) (*Service, *countingRepo) {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })
	repo := &countingRepo{Repository: store.NewSettingsRepo(db)}
	return New(repo, opts...), repo
}

func TestUnknownModuleIsDisabledWithEmptyConfig(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	on, err := s.GetModuleStatus(ctx, "telegram-auth")
	if err != nil || on {
		t.Fatalf("status = %v, %v", on, err)
	}
	cfg, err := s.GetModuleConfig(ctx, "telegram-auth")
	if err != nil || cfg == nil || len(cfg) != 0 {
		t.Fatalf("config = %v, %v", cfg, err)
	}
}

func TestToggleThenReadIsNeverStale(t *testing.T) {
	s, _ := newService(t, WithCacheTTL(time.Hour))
	ctx := context.Background()
	if err := s.ToggleModule(ctx, "telegram-auth", true); err != nil {
		t.Fatal(err)
	}
	if on, _ := s.GetModuleStatus(ctx, "telegram-auth"); !on {
		t.Fatalf("expected enabled")
	}
	if err := s.ToggleModule(ctx, "telegram-auth", false); err != nil {
		t.Fatal(err)
	}
	if on, _ := s.GetModuleStatus(ctx, "telegram-auth"); on {
		t.Fatalf("stale enabled after toggle")
	}
	// idempotent
	if err := s.ToggleModule(ctx, "telegram-auth", false); err != nil {
		t.Fatal(err)
	}
	if on, _ := s.GetModuleStatus(ctx, "telegram-auth"); on {
		t.Fatalf("expected disabled")
	}
}

// stallingRepo holds the first Get after reading, so a write can land
// between the read and the cache fill.
type stallingRepo struct {
	Repository
	stalled atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (r *stallingRepo) Get(ctx context.Context, id string) (*store.ModuleSetting, error) {
	ms, err := r.Repository.Get(ctx, id)
	if r.stalled.CompareAndSwap(false, true) {
		close(r.entered)
		<-r.release
	}
	return ms, err
}

func TestSlowReadDoesNotCacheOverToggle(t *testing.T) {
	db, err := store.Open("sqlite", ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })
	repo := &stallingRepo{Repository: store.NewSettingsRepo(db), entered: make(chan struct{}), release: make(chan struct{})}
	s := New(repo, WithCacheTTL(time.Hour))
	ctx := context.Background()

	done := make(chan bool)
	go func() {
		on, _ := s.GetModuleStatus(ctx, "telegram-auth")
		done <- on
	}()
	<-repo.entered
	if err := s.ToggleModule(ctx, "telegram-auth", true); err != nil {
		t.Fatal(err)
	}
	close(repo.release)
	if on := <-done; on {
		t.Fatalf("read that started before the toggle saw the new value")
	}
	if on, _ := s.GetModuleStatus(ctx, "telegram-auth"); !on {
		t.Fatalf("pre-toggle read was cached over the toggle")
	}
}

func TestCacheServesRepeatedReads(t *testing.T) {
	s, repo := newService(t, WithCacheTTL(time.Minute))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.GetModuleStatus(ctx, "family"); err != nil {
			t.Fatal(err)
		}
	}
	if n := repo.gets.Load(); n != 1 {
		t.Fatalf("repo reads = %d, want 1", n)
	}

	now := time.Now()
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := s.GetModuleStatus(ctx, "family"); err != nil {
		t.Fatal(err)
	}
	if n := repo.gets.Load(); n != 2 {
		t.Fatalf("expired entry not refreshed, reads = %d", n)
	}
}

func TestNoCacheReadsThrough(t *testing.T) {
	s, repo := newService(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.GetModuleStatus(ctx, "support")
		}()
	}
	wg.Wait()
	if _, err := s.GetModuleStatus(ctx, "support"); err != nil {
		t.Fatal(err)
	}
	if n := repo.gets.Load(); n < 2 {
		t.Fatalf("expected read-through, reads = %d", n)
	}
}

func TestSetModuleConfigKeepsRedactedSecrets(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	cfg := map[string]any{"bot_token": "123:abc", "bot_name": "loginus_bot", "nested": map[string]any{"client_secret": "s"}}
	if err := s.SetModuleConfig(ctx, "telegram-auth", cfg); err != nil {
		t.Fatal(err)
	}
	red, err := s.GetRedactedConfig(ctx, "telegram-auth")
	if err != nil {
		t.Fatal(err)
	}
	if red["bot_token"] != Redacted || red["bot_name"] != "loginus_bot" {
		t.Fatalf("redacted = %v", red)
	}
	if nested := red["nested"].(map[string]any); nested["client_secret"] != Redacted {
		t.Fatalf("nested secret leaked: %v", nested)
	}

	// writing the redacted view back keeps the stored secret
	red["bot_name"] = "renamed"
	if err := s.SetModuleConfig(ctx, "telegram-auth", red); err != nil {
		t.Fatal(err)
	}
	raw, _ := s.GetModuleConfig(ctx, "telegram-auth")
	if raw["nested"].(map[string]any)["client_secret"] != "s" {
		t.Fatalf("nested secret lost: %v", raw)
	}
	if raw["bot_token"] != "123:abc" || raw["bot_name"] != "renamed" {
		t.Fatalf("raw = %v", raw)
	}
}

func TestSetModuleConfigKeepsCamelCaseSecrets(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	if err := s.SetModuleConfig(ctx, "github-auth", map[string]any{"clientId": "id", "clientSecret": "cs"}); err != nil {
		t.Fatal(err)
	}
	red, err := s.GetRedactedConfig(ctx, "github-auth")
	if err != nil {
		t.Fatal(err)
	}
	if red["clientSecret"] != Redacted || red["clientId"] != "id" {
		t.Fatalf("redacted = %v", red)
	}
	if err := s.SetModuleConfig(ctx, "github-auth", red); err != nil {
		t.Fatal(err)
	}
	raw, _ := s.GetModuleConfig(ctx, "github-auth")
	if raw["clientSecret"] != "cs" {
		t.Fatalf("secret lost on write-back: %v", raw)
	}
}

func TestRedactedConfig(t *testing.T) {
	in := map[string]any{
		"password": "p", "API_KEY": "k", "webhook_secret": "w", "private_key": "pk",
		"botToken": "123:ABC", "clientSecret": "cs", "accessToken": "a", "webhookSecret": "ws",
		"privateKey": "pk2", "api-key": "k2",
		"list": []any{map[string]any{"token": "t"}}, "timeout": 30.0, "tokenCount": 3.0,
	}
	out := RedactedConfig(in)
	for _, k := range []string{"password", "API_KEY", "webhook_secret", "private_key",
		"botToken", "clientSecret", "accessToken", "webhookSecret", "privateKey", "api-key"} {
		if out[k] != Redacted {
			t.Fatalf("%s not redacted", k)
		}
	}
	if out["timeout"] != 30.0 || out["tokenCount"] != 3.0 {
		t.Fatalf("non-secret changed")
	}
	if out["list"].([]any)[0].(map[string]any)["token"] != Redacted {
		t.Fatalf("secret inside list leaked")
	}
	if in["password"] != "p" {
		t.Fatalf("input mutated")
	}
}

func TestToggleEmitsOnChangeOnly(t *testing.T) {
	sink := events.NewMemorySink()
	bus := events.NewBus(events.WithSink(sink))
	s, _ := newService(t, WithEmitter(bus))
	ctx := context.Background()
	_ = s.ToggleModule(ctx, "family", true)
	_ = s.ToggleModule(ctx, "family", true)
	_ = s.ToggleModule(ctx, "family", false)
	n := 0
	for _, name := range sink.Names() {
		if name == events.ModuleToggled {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("module.toggled emitted %d times, want 2", n)
	}
}

func TestInvalidModuleID(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.GetModuleStatus(context.Background(), "../etc"); !errors.Is(err, ErrInvalidModuleID) {
		t.Fatalf("expected ErrInvalidModuleID, got %v", err)
	}
}
