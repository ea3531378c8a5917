// Package plugin runs host-supplied hooks at named points of the token and
// grant life cycle, such as "access_token.create" or "access_grant.revoke".
//
// Plugins are registered per namespace and run in registration order unless
// placed with After or Before. A plugin error aborts the operation that ran
// the hooks unless the plugin was registered with IgnoreErrors. Registries
// are mutable until Finalize; afterwards reads take no locks and every
// mutation fails with ErrFinalized.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/giantswarm/oauth-server/storage"
)

// Namespaces run by the server.
const (
	AccessTokenCreate  = "access_token.create"
	AccessTokenRevoke  = "access_token.revoke"
	AccessTokenRefresh = "access_token.refresh"
	AccessGrantCreate  = "access_grant.create"
	AccessGrantRevoke  = "access_grant.revoke"
	DeviceGrantCreate  = "device_grant.create"
)

// ErrFinalized is returned when a finalized registry is modified.
var ErrFinalized = errors.New("plugin registry is finalized")

var namespacePattern = regexp.MustCompile(`(?i)^[a-z][\w.-]+[a-z]$`)

// Context carries the records a hook may inspect. Fields not relevant to a
// namespace are nil.
type Context struct {
	Namespace   string
	Application *storage.Application
	AccessToken *storage.AccessToken
	AccessGrant *storage.AccessGrant
	DeviceGrant *storage.DeviceGrant

	// PreviousToken is the token replaced by a refresh.
	PreviousToken *storage.AccessToken

	// Options are the options the running plugin was registered with.
	Options map[string]any
}

// Handler is a plugin.
type Handler interface {
	Run(ctx context.Context, pc *Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, pc *Context) error

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, pc *Context) error { return f(ctx, pc) }

type entry struct {
	name         string
	handler      Handler
	ignoreErrors bool
	options      map[string]any
}

type registration struct {
	after, before string
	ignoreErrors  bool
	options       map[string]any
}

// Option configures a registration.
type Option func(*registration)

// After places the plugin right after the named plugin.
func After(name string) Option {
	return func(r *registration) { r.after = name }
}

// Before places the plugin right before the named plugin.
func Before(name string) Option {
	return func(r *registration) { r.before = name }
}

// IgnoreErrors makes errors from the plugin non-fatal.
func IgnoreErrors() Option {
	return func(r *registration) { r.ignoreErrors = true }
}

// WithOptions attaches free-form options passed to the plugin on each run.
func WithOptions(opts map[string]any) Option {
	return func(r *registration) { r.options = opts }
}

// Registry holds plugins by namespace.
type Registry struct {
	mu        sync.RWMutex
	finalized atomic.Bool
	plugins   map[string][]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string][]entry)}
}

// Register adds handler to namespace under name.
func (r *Registry) Register(namespace, name string, handler Handler, opts ...Option) error {
	if !namespacePattern.MatchString(namespace) {
		return fmt.Errorf("invalid plugin namespace %q", namespace)
	}
	if name == "" || handler == nil {
		return errors.New("plugin name and handler are required")
	}

	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.after != "" && reg.before != "" {
		return errors.New("plugin cannot be placed both before and after another plugin")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized.Load() {
		return ErrFinalized
	}

	list := r.plugins[namespace]
	if indexOf(list, name) >= 0 {
		return fmt.Errorf("plugin %q already registered for %s", name, namespace)
	}

	e := entry{name: name, handler: handler, ignoreErrors: reg.ignoreErrors, options: reg.options}
	switch anchor := reg.after + reg.before; {
	case anchor == "":
		list = append(list, e)
	default:
		i := indexOf(list, anchor)
		if i < 0 {
			return fmt.Errorf("plugin %q not found for %s", anchor, namespace)
		}
		if reg.after != "" {
			i++
		}
		list = slices.Insert(list, i, e)
	}
	r.plugins[namespace] = list
	return nil
}

// Remove drops the named plugin from namespace.
func (r *Registry) Remove(namespace, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized.Load() {
		return ErrFinalized
	}
	r.plugins[namespace] = slices.DeleteFunc(r.plugins[namespace], func(e entry) bool {
		return e.name == name
	})
	return nil
}

// Clear drops every plugin of the given namespaces, or of all namespaces
// when none are given.
func (r *Registry) Clear(namespaces ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized.Load() {
		return ErrFinalized
	}
	if len(namespaces) == 0 {
		clear(r.plugins)
		return nil
	}
	for _, ns := range namespaces {
		delete(r.plugins, ns)
	}
	return nil
}

// Finalize freezes the registry.
func (r *Registry) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized.Store(true)
}

// Names returns the plugin names of namespace in run order.
func (r *Registry) Names(namespace string) []string {
	var names []string
	for _, e := range r.entries(namespace) {
		names = append(names, e.name)
	}
	return names
}

// Run invokes the plugins of namespace in order. It is safe on a nil registry.
func (r *Registry) Run(ctx context.Context, namespace string, pc *Context) error {
	if r == nil {
		return nil
	}
	if pc == nil {
		pc = &Context{}
	}
	pc.Namespace = namespace

	for _, e := range r.entries(namespace) {
		pc.Options = e.options
		if err := e.handler.Run(ctx, pc); err != nil && !e.ignoreErrors {
			return fmt.Errorf("plugin %q failed in %s: %w", e.name, namespace, err)
		}
	}
	pc.Options = nil
	return nil
}

func (r *Registry) entries(namespace string) []entry {
	if r.finalized.Load() {
		return r.plugins[namespace]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.plugins[namespace])
}

func indexOf(list []entry, name string) int {
	return slices.IndexFunc(list, func(e entry) bool { return e.name == name })
}
