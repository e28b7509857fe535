// Package lifecycle drives plugins through install, enable, disable, update
// and uninstall. It is the only writer of the enabled flag and keeps the
// registry, the loader, the event bus and the mounted routes in agreement.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"loginus/internal/events"
	"loginus/internal/plugin"
	"loginus/internal/registry"
	"loginus/internal/store"
)

// RouteAttacher mounts a plugin router under the plugin-scoped prefix.
type RouteAttacher interface {
	Attach(slug string, h http.Handler)
	Detach(slug string) bool
}

type noopAttacher struct{}

func (noopAttacher) Attach(string, http.Handler) {}
func (noopAttacher) Detach(string) bool          { return false }

// PluginStatus is a registry record joined with its runtime state.
type PluginStatus struct {
	store.Extension
	Loaded        bool     `json:"loaded"`
	Routes        []string `json:"routes,omitempty"`
	Subscriptions int      `json:"subscriptions"`
}

// DiscoverReport summarizes DiscoverAndInstall.
type DiscoverReport struct {
	Installed []string          `json:"installed"`
	Skipped   []string          `json:"skipped"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Controller serializes transitions per slug; different slugs proceed
// concurrently.
type Controller struct {
	reg    *registry.Registry
	loader *plugin.Loader
	bus    *events.Bus
	routes RouteAttacher
	log    zerolog.Logger
	locks  keyedMutex

	mu       sync.RWMutex
	attached map[string][]string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger installs a logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithRoutes installs the route mount table.
func WithRoutes(r RouteAttacher) Option { return func(c *Controller) { c.routes = r } }

// New wires a controller.
func New(reg *registry.Registry, loader *plugin.Loader, bus *events.Bus, opts ...Option) *Controller {
	c := &Controller{
		reg:      reg,
		loader:   loader,
		bus:      bus,
		routes:   noopAttacher{},
		log:      zerolog.Nop(),
		attached: make(map[string][]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Install registers m as a disabled plugin.
func (c *Controller) Install(ctx context.Context, m plugin.Manifest) (*store.Extension, error) {
	c.emit(ctx, events.PluginInstalling, events.PluginPayload{Slug: m.Slug, Version: m.Version})
	if err := m.Validate(); err != nil {
		c.emit(ctx, events.PluginInstallFailed, events.PluginPayload{Slug: m.Slug, Version: m.Version, Error: err.Error()})
		observe("install", err)
		return nil, err
	}
	unlock := c.locks.Lock(m.Slug)
	defer unlock()

	var ext *store.Extension
	err := c.run(ctx, "install", m.Slug, func() error {
		e, err := c.reg.Create(ctx, m)
		if errors.Is(err, registry.ErrDuplicate) {
			err = ErrDuplicateSlug(m.Slug)
		}
		if err != nil {
			c.emit(ctx, events.PluginInstallFailed, events.PluginPayload{Slug: m.Slug, Version: m.Version, Error: err.Error()})
			return err
		}
		ext = e
		c.log.Info().Str("slug", m.Slug).Str("version", m.Version).Msg("plugin installed")
		c.emit(ctx, events.PluginInstalled, events.PluginPayload{Slug: m.Slug, Version: m.Version})
		return nil
	})
	return ext, err
}

// Enable loads the plugin, mounts its routes, registers its subscriptions
// and flips the flag. Any failure rolls every step back.
func (c *Controller) Enable(ctx context.Context, slug string) error {
	unlock := c.locks.Lock(slug)
	defer unlock()
	return c.run(ctx, "enable", slug, func() error { return c.enableLocked(ctx, slug) })
}

func (c *Controller) enableLocked(ctx context.Context, slug string) error {
	ext, err := c.reg.FindBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ext == nil {
		return ErrNotInstalled(slug)
	}
	if ext.Enabled {
		return nil
	}
	// leftovers from an interrupted transition
	c.detach(slug)

	h, err := c.loader.LoadPluginModule(ctx, slug, &ext.Manifest)
	if err != nil {
		return c.enableFailed(ctx, ext, err)
	}
	routes, err := c.attach(slug, ext.Manifest, h.Module)
	if err != nil {
		c.detach(slug)
		return c.enableFailed(ctx, ext, err)
	}
	if err := c.reg.SetEnabled(ctx, slug, true); err != nil {
		c.detach(slug)
		return c.enableFailed(ctx, ext, err)
	}
	c.mu.Lock()
	c.attached[slug] = routes
	c.mu.Unlock()

	c.log.Info().Str("slug", slug).Int("routes", len(routes)).Int("subscriptions", c.bus.CountOwned(slug)).Msg("plugin enabled")
	c.emit(ctx, events.PluginEnabled, events.PluginPayload{Slug: slug, Version: ext.Version})
	return nil
}

// attach mounts routes first and then subscribes; the caller detaches on error.
func (c *Controller) attach(slug string, m plugin.Manifest, mod plugin.Module) ([]string, error) {
	var subs []plugin.Subscription
	if err := callPlugin(func() { subs = mod.Subscriptions() }); err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	if err := callPlugin(func() { mod.Routes(r) }); err != nil {
		return nil, err
	}
	var routes []string
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	if len(routes) > 0 {
		c.routes.Attach(slug, r)
	}
	for _, s := range subs {
		if s.Handler == nil {
			return nil, fmt.Errorf("subscription %s: %w", s.Pattern, events.ErrNilHandler)
		}
		if !m.Declares(s.Pattern) {
			return nil, undeclaredEventError{pattern: string(s.Pattern)}
		}
		if _, err := c.bus.Subscribe(s.Pattern, s.Handler, slug); err != nil {
			return nil, err
		}
	}
	return routes, nil
}

// detach removes everything a plugin contributed, in the order subscriptions,
// routes, module handle.
func (c *Controller) detach(slug string) {
	c.bus.UnsubscribeAll(slug)
	c.routes.Detach(slug)
	c.loader.UnloadPluginModule(slug)
	c.mu.Lock()
	delete(c.attached, slug)
	c.mu.Unlock()
}

func (c *Controller) enableFailed(ctx context.Context, ext *store.Extension, cause error) error {
	p := events.PluginPayload{Slug: ext.Slug, Version: ext.Version, Error: cause.Error()}
	var le *plugin.LoadError
	if errors.As(cause, &le) {
		p.Kind = string(le.Kind)
	}
	c.log.Warn().Err(cause).Str("slug", ext.Slug).Str("kind", p.Kind).Msg("plugin enable failed")
	c.emit(ctx, events.PluginEnableFailed, p)
	return ErrEnableFailed(ext.Slug, cause)
}

// Disable detaches and unloads the plugin. Disabling an inactive plugin is a
// no-op and emits nothing.
func (c *Controller) Disable(ctx context.Context, slug string) error {
	unlock := c.locks.Lock(slug)
	defer unlock()
	return c.run(ctx, "disable", slug, func() error { return c.disableLocked(ctx, slug) })
}

func (c *Controller) disableLocked(ctx context.Context, slug string) error {
	ext, err := c.reg.FindBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if ext == nil {
		return ErrNotInstalled(slug)
	}
	_, loaded := c.loader.GetLoadedModule(slug)
	if !ext.Enabled && !loaded && !c.isAttached(slug) {
		return nil
	}
	c.detach(slug)
	if ext.Enabled {
		if err := c.reg.SetEnabled(ctx, slug, false); err != nil {
			return err
		}
	}
	c.log.Info().Str("slug", slug).Msg("plugin disabled")
	c.emit(ctx, events.PluginDisabled, events.PluginPayload{Slug: slug, Version: ext.Version})
	return nil
}

// Uninstall disables the plugin if needed and deletes its record.
func (c *Controller) Uninstall(ctx context.Context, slug string) error {
	unlock := c.locks.Lock(slug)
	defer unlock()
	return c.run(ctx, "uninstall", slug, func() error {
		if err := c.disableLocked(ctx, slug); err != nil {
			return err
		}
		if err := c.reg.Delete(ctx, slug); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return ErrNotInstalled(slug)
			}
			return err
		}
		c.log.Info().Str("slug", slug).Msg("plugin uninstalled")
		c.emit(ctx, events.PluginUninstalled, events.PluginPayload{Slug: slug})
		return nil
	})
}

// Update replaces the manifest. An enabled plugin is re-enabled with the new
// manifest; if that fails it ends disabled.
func (c *Controller) Update(ctx context.Context, slug string, m plugin.Manifest) (*store.Extension, error) {
	if m.Slug == "" {
		m.Slug = slug
	}
	if m.Slug != slug {
		return nil, fmt.Errorf("%w: slug %q does not match %q", ErrInvalidManifest, m.Slug, slug)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	unlock := c.locks.Lock(slug)
	defer unlock()

	var out *store.Extension
	err := c.run(ctx, "update", slug, func() error {
		ext, err := c.reg.FindBySlug(ctx, slug)
		if err != nil {
			return err
		}
		if ext == nil {
			return ErrNotInstalled(slug)
		}
		wasEnabled := ext.Enabled
		if wasEnabled {
			if err := c.disableLocked(ctx, slug); err != nil {
				return err
			}
		}
		upd, err := c.reg.Update(ctx, slug, m)
		if err != nil {
			return err
		}
		out = upd
		c.emit(ctx, events.PluginUpdated, events.PluginPayload{Slug: slug, Version: m.Version})
		if wasEnabled {
			if err := c.enableLocked(ctx, slug); err != nil {
				return err
			}
			out.Enabled = true
		}
		return nil
	})
	return out, err
}

// Bootstrap re-enables plugins persisted as enabled. Each record is reset to
// disabled first, so a plugin whose module no longer loads stays disabled.
// It returns the number of plugins enabled.
func (c *Controller) Bootstrap(ctx context.Context) (int, error) {
	exts, err := c.reg.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ext := range exts {
		if !ext.Enabled {
			continue
		}
		if err := c.reg.SetEnabled(ctx, ext.Slug, false); err != nil {
			return n, err
		}
		if err := c.Enable(ctx, ext.Slug); err != nil {
			c.log.Warn().Err(err).Str("slug", ext.Slug).Msg("plugin left disabled at startup")
			continue
		}
		n++
	}
	return n, nil
}

// DiscoverAndInstall installs manifests found under the plugins root that
// are not registered yet. They are installed disabled.
func (c *Controller) DiscoverAndInstall(ctx context.Context) (DiscoverReport, error) {
	rep := DiscoverReport{Installed: []string{}, Skipped: []string{}}
	found, bad, err := registry.Discover(c.loader.Root())
	if err != nil {
		return rep, err
	}
	addFailure := func(key, msg string) {
		if rep.Failed == nil {
			rep.Failed = make(map[string]string)
		}
		rep.Failed[key] = msg
	}
	for _, b := range bad {
		addFailure(b.Dir, b.Err.Error())
	}
	for _, d := range found {
		ext, err := c.reg.FindBySlug(ctx, d.Slug)
		if err != nil {
			addFailure(d.Slug, err.Error())
			continue
		}
		if ext != nil {
			rep.Skipped = append(rep.Skipped, d.Slug)
			continue
		}
		if _, err := c.Install(ctx, *d.Manifest); err != nil {
			addFailure(d.Slug, err.Error())
			continue
		}
		rep.Installed = append(rep.Installed, d.Slug)
	}
	return rep, nil
}

// Get returns one plugin with its runtime state.
func (c *Controller) Get(ctx context.Context, slug string) (*PluginStatus, error) {
	ext, err := c.reg.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, ErrNotInstalled(slug)
	}
	st := c.status(*ext)
	return &st, nil
}

// List returns every plugin with its runtime state, ordered by slug.
func (c *Controller) List(ctx context.Context) ([]PluginStatus, error) {
	exts, err := c.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PluginStatus, 0, len(exts))
	for _, e := range exts {
		out = append(out, c.status(e))
	}
	return out, nil
}

// Shutdown detaches every loaded plugin without touching persisted flags so
// the next Bootstrap restores them.
func (c *Controller) Shutdown() {
	slugs := c.loader.Loaded()
	sort.Strings(slugs)
	for _, slug := range slugs {
		unlock := c.locks.Lock(slug)
		c.detach(slug)
		unlock()
	}
}

func (c *Controller) status(ext store.Extension) PluginStatus {
	_, loaded := c.loader.GetLoadedModule(ext.Slug)
	c.mu.RLock()
	routes := append([]string(nil), c.attached[ext.Slug]...)
	c.mu.RUnlock()
	return PluginStatus{
		Extension:     ext,
		Loaded:        loaded,
		Routes:        routes,
		Subscriptions: c.bus.CountOwned(ext.Slug),
	}
}

func (c *Controller) isAttached(slug string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.attached[slug]
	return ok
}

// run executes one transition. A panic is converted into plugin.error, the
// plugin is returned to disabled and the panic is reported as an error.
func (c *Controller) run(ctx context.Context, transition, slug string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			c.log.Error().Str("slug", slug).Str("transition", transition).Str("stack", stack).Msgf("transition panic: %v", r)
			if transition != "install" {
				c.quiesce(ctx, slug)
			}
			err = transitionPanicError{transition: transition, value: r}
			c.emit(ctx, events.PluginError, events.PluginPayload{Slug: slug, Kind: transition, Error: fmt.Sprint(r), Stack: stack})
		}
		observe(transition, err)
	}()
	return fn()
}

func (c *Controller) quiesce(ctx context.Context, slug string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("slug", slug).Msgf("quiesce panic: %v", r)
		}
	}()
	c.detach(slug)
	if err := c.reg.SetEnabled(context.WithoutCancel(ctx), slug, false); err != nil && !errors.Is(err, registry.ErrNotFound) {
		c.log.Error().Err(err).Str("slug", slug).Msg("could not force plugin disabled")
	}
}

func (c *Controller) emit(ctx context.Context, name events.Name, p events.PluginPayload) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Emit(ctx, name, p); err != nil {
		c.log.Warn().Err(err).Str("event", string(name)).Msg("lifecycle emit failed")
	}
}

// callPlugin runs plugin-owned code and converts a panic into an error.
func callPlugin(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	fn()
	return nil
}
