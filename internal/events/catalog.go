package events

import (
	"fmt"
	"reflect"
	"sort"
)

// CatalogVersion identifies the revision of the built-in event taxonomy.
const CatalogVersion = "1.3.0"

// Fields is the open payload used by plugin-defined events and by producers
// that do not have a typed payload.
type Fields map[string]any

// UserPayload accompanies user.* events.
type UserPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// AuthPayload accompanies auth.* events.
type AuthPayload struct {
	UserID string `json:"user_id,omitempty"`
	Method string `json:"method,omitempty"`
	IP     string `json:"ip,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// FamilyPayload accompanies family.* events.
type FamilyPayload struct {
	FamilyID string `json:"family_id"`
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

// PaymentPayload accompanies payment.* events.
type PaymentPayload struct {
	PaymentID string  `json:"payment_id,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	MethodID  string  `json:"method_id,omitempty"`
}

// PersonalDataPayload accompanies personal_data.* events.
type PersonalDataPayload struct {
	UserID string   `json:"user_id"`
	Fields []string `json:"fields,omitempty"`
}

// SecurityPayload accompanies security.* events.
type SecurityPayload struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	IP       string `json:"ip,omitempty"`
}

// SupportPayload accompanies support.* events.
type SupportPayload struct {
	TicketID  string `json:"ticket_id"`
	UserID    string `json:"user_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// ModulePayload accompanies module.* events.
type ModulePayload struct {
	ModuleID string `json:"module_id"`
	Enabled  bool   `json:"enabled"`
}

// PluginPayload accompanies plugin.* lifecycle events.
type PluginPayload struct {
	Slug    string `json:"slug"`
	Version string `json:"version,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Definition describes one concrete event. Payload holds a zero value of the
// payload type and is used only for documentation and optional validation.
type Definition struct {
	Name        Name   `json:"name"`
	Description string `json:"description,omitempty"`
	Payload     any    `json:"-"`
}

// PayloadType returns the Go type name of the payload, or "" if untyped.
func (d Definition) PayloadType() string {
	if d.Payload == nil {
		return ""
	}
	return reflect.TypeOf(d.Payload).Name()
}

// Catalog is a read-only registry of concrete event names grouped by domain.
type Catalog struct {
	version string
	domains []string
	byDom   map[string][]Definition
	byName  map[Name]Definition
}

// NewCatalog builds a catalog. Duplicate names keep the first definition.
func NewCatalog(version string, defs ...Definition) *Catalog {
	c := &Catalog{
		version: version,
		byDom:   make(map[string][]Definition),
		byName:  make(map[Name]Definition),
	}
	for _, d := range defs {
		if _, dup := c.byName[d.Name]; dup {
			continue
		}
		dom := d.Name.Domain()
		if _, ok := c.byDom[dom]; !ok {
			c.domains = append(c.domains, dom)
		}
		c.byDom[dom] = append(c.byDom[dom], d)
		c.byName[d.Name] = d
	}
	return c
}

// Version returns the catalog revision.
func (c *Catalog) Version() string { return c.version }

// Domains returns the domains in declaration order.
func (c *Catalog) Domains() []string { return append([]string(nil), c.domains...) }

// Events returns the definitions of one domain.
func (c *Catalog) Events(domain string) []Definition {
	return append([]Definition(nil), c.byDom[domain]...)
}

// Lookup returns the definition for a concrete name.
func (c *Catalog) Lookup(n Name) (Definition, bool) {
	d, ok := c.byName[n]
	return d, ok
}

// AllEventNames flattens the catalog into a deduplicated list, domains in
// declaration order.
func (c *Catalog) AllEventNames() []Name {
	out := make([]Name, 0, len(c.byName))
	seen := make(map[Name]struct{}, len(c.byName))
	for _, dom := range c.domains {
		for _, d := range c.byDom[dom] {
			if _, ok := seen[d.Name]; ok {
				continue
			}
			seen[d.Name] = struct{}{}
			out = append(out, d.Name)
		}
	}
	return out
}

// SortedEventNames is AllEventNames sorted lexically.
func (c *Catalog) SortedEventNames() []Name {
	out := c.AllEventNames()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidatePayload checks payload against the registered payload type of a
// known event. Unknown events, nil payloads and Fields/map payloads are
// always accepted.
func (c *Catalog) ValidatePayload(n Name, payload any) error {
	d, ok := c.byName[n]
	if !ok || d.Payload == nil || payload == nil {
		return nil
	}
	switch payload.(type) {
	case Fields, map[string]any:
		return nil
	}
	want := reflect.TypeOf(d.Payload)
	got := reflect.TypeOf(payload)
	if got == want || (got.Kind() == reflect.Pointer && got.Elem() == want) {
		return nil
	}
	return fmt.Errorf("%w: %s expects %s, got %s", ErrPayloadMismatch, n, want, got)
}

// Built-in event names referenced by host code.
const (
	UserAfterCreate Name = "user.after_create"
	UserAfterUpdate Name = "user.after_update"
	UserAfterDelete Name = "user.after_delete"
	UserLogin       Name = "user.login"
	UserLogout      Name = "user.logout"

	PaymentSuccess Name = "payment.success"
	PaymentFailed  Name = "payment.failed"

	ModuleToggled       Name = "module.toggled"
	ModuleConfigUpdated Name = "module.config_updated"

	PluginInstalling    Name = "plugin.installing"
	PluginInstalled     Name = "plugin.installed"
	PluginInstallFailed Name = "plugin.install_failed"
	PluginEnabled       Name = "plugin.enabled"
	PluginEnableFailed  Name = "plugin.enable_failed"
	PluginDisabled      Name = "plugin.disabled"
	PluginUpdated       Name = "plugin.updated"
	PluginUninstalled   Name = "plugin.uninstalled"
	PluginError         Name = "plugin.error"
)

// DefaultCatalog returns the built-in taxonomy.
func DefaultCatalog() *Catalog {
	return NewCatalog(CatalogVersion,
		Definition{UserAfterCreate, "a user account was created", UserPayload{}},
		Definition{"user.before_update", "a user profile is about to change", UserPayload{}},
		Definition{UserAfterUpdate, "a user profile changed", UserPayload{}},
		Definition{UserAfterDelete, "a user account was deleted", UserPayload{}},
		Definition{UserLogin, "a user signed in", UserPayload{}},
		Definition{UserLogout, "a user signed out", UserPayload{}},

		Definition{"auth.login_success", "credentials were accepted", AuthPayload{}},
		Definition{"auth.login_failed", "credentials were rejected", AuthPayload{}},
		Definition{"auth.password_reset_requested", "a reset link was requested", AuthPayload{}},
		Definition{"auth.password_changed", "a password was changed", AuthPayload{}},

		Definition{"family.created", "a family group was created", FamilyPayload{}},
		Definition{"family.member_added", "a member joined a family group", FamilyPayload{}},
		Definition{"family.member_removed", "a member left a family group", FamilyPayload{}},
		Definition{"family.invite_sent", "an invitation was sent", FamilyPayload{}},

		Definition{PaymentSuccess, "a payment was captured", PaymentPayload{}},
		Definition{PaymentFailed, "a payment was declined", PaymentPayload{}},
		Definition{"payment.refunded", "a payment was refunded", PaymentPayload{}},
		Definition{"payment.method_added", "a payment method was saved", PaymentPayload{}},
		Definition{"payment.method_removed", "a payment method was removed", PaymentPayload{}},

		Definition{"personal_data.updated", "personal data fields changed", PersonalDataPayload{}},
		Definition{"personal_data.exported", "a data export was produced", PersonalDataPayload{}},
		Definition{"personal_data.deleted", "personal data was erased", PersonalDataPayload{}},

		Definition{"security.device_added", "a new device signed in", SecurityPayload{}},
		Definition{"security.device_removed", "a device was revoked", SecurityPayload{}},
		Definition{"security.session_revoked", "a session was terminated", SecurityPayload{}},
		Definition{"security.two_factor_enabled", "2FA was turned on", SecurityPayload{}},
		Definition{"security.two_factor_disabled", "2FA was turned off", SecurityPayload{}},

		Definition{"support.ticket_created", "a support ticket was opened", SupportPayload{}},
		Definition{"support.message_sent", "a support chat message was sent", SupportPayload{}},
		Definition{"support.ticket_closed", "a support ticket was closed", SupportPayload{}},

		Definition{ModuleToggled, "a micro-module was enabled or disabled", ModulePayload{}},
		Definition{ModuleConfigUpdated, "a micro-module configuration changed", ModulePayload{}},

		Definition{PluginInstalling, "plugin installation started", PluginPayload{}},
		Definition{PluginInstalled, "plugin registered (disabled)", PluginPayload{}},
		Definition{PluginInstallFailed, "plugin installation was rejected", PluginPayload{}},
		Definition{PluginEnabled, "plugin module loaded and attached", PluginPayload{}},
		Definition{PluginEnableFailed, "plugin could not be enabled", PluginPayload{}},
		Definition{PluginDisabled, "plugin module detached and unloaded", PluginPayload{}},
		Definition{PluginUpdated, "plugin manifest replaced", PluginPayload{}},
		Definition{PluginUninstalled, "plugin record removed", PluginPayload{}},
		Definition{PluginError, "unexpected failure during a lifecycle transition", PluginPayload{}},
	)
}
