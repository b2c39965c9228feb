// Package directory defines the collaborator contracts the Modify-DN
// core consumes: Backend, Directory, AccessControlHandler, plus the
// ordered provider registries and the ancestor-DN cache. None of these
// are implemented here beyond the registries/cache themselves; package
// store supplies a Postgres-backed Backend.
package directory

import (
	"context"

	"github.com/cloudldap/dnmove/auth"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
	lru "github.com/hashicorp/golang-lru"
	"github.com/iancoleman/orderedmap"
)

// WritabilityMode is a server- or backend-level write gate.
type WritabilityMode int

const (
	WritabilityEnabled WritabilityMode = iota
	WritabilityDisabled
	WritabilityInternalOnly
)

// Backend is the opaque storage engine contract. Its on-disk format is
// its own business; package store gives a concrete Postgres-backed
// implementation.
type Backend interface {
	GetEntry(ctx context.Context, dn *schema.DN) (*schema.Entry, error)
	RenameEntry(ctx context.Context, oldDN *schema.DN, newEntry *schema.Entry, opCtx *opctx.OperationContext) error
	IsPrivateBackend() bool
	GetWritabilityMode() WritabilityMode
	SupportsControl(oid string) bool
}

// Directory resolves DNs to backends and carries the server-wide
// schema-check / writability policy.
type Directory interface {
	GetBackend(dn *schema.DN) (Backend, bool)
	EntryExists(ctx context.Context, dn *schema.DN) bool
	GetWritabilityMode() WritabilityMode
	CheckSchema() bool
}

// AccessControlHandler is the access-control decision point.
// HasPrivilege backs the proxied-authorization privilege check.
type AccessControlHandler interface {
	IsAllowed(opCtx *opctx.OperationContext) bool
	IsAllowedControl(dn *schema.DN, opCtx *opctx.OperationContext, control *opctx.Control) bool
	HasPrivilege(caller *auth.Session, privilege string) bool
}

// orderedRegistry is the shared stable-iteration-order backing for
// PluginRegistry / SynchronizationProviderRegistry /
// ChangeListenerRegistry; iteration follows registration order.
type orderedRegistry struct {
	m *orderedmap.OrderedMap
}

func newOrderedRegistry() orderedRegistry {
	return orderedRegistry{m: orderedmap.New()}
}

func (r orderedRegistry) register(name string, item interface{}) {
	r.m.Set(name, item)
}

func (r orderedRegistry) unregister(name string) {
	r.m.Delete(name)
}

// snapshot takes a copy of the registration order at dispatch time, so
// a registration race during a fan-out doesn't change who that
// in-flight dispatch calls.
func (r orderedRegistry) snapshot() []interface{} {
	keys := r.m.Keys()
	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		if v, ok := r.m.Get(k); ok {
			out = append(out, v)
		}
	}
	return out
}

type PluginRegistry struct{ orderedRegistry }

func NewPluginRegistry() *PluginRegistry { return &PluginRegistry{newOrderedRegistry()} }

type SynchronizationProviderRegistry struct{ orderedRegistry }

func NewSynchronizationProviderRegistry() *SynchronizationProviderRegistry {
	return &SynchronizationProviderRegistry{newOrderedRegistry()}
}

type ChangeListenerRegistry struct{ orderedRegistry }

func NewChangeListenerRegistry() *ChangeListenerRegistry {
	return &ChangeListenerRegistry{newOrderedRegistry()}
}

func (r *PluginRegistry) Register(name string, p interface{}) { r.register(name, p) }
func (r *PluginRegistry) Unregister(name string)              { r.unregister(name) }
func (r *PluginRegistry) Snapshot() []interface{}             { return r.snapshot() }
func (r *SynchronizationProviderRegistry) Register(name string, p interface{}) {
	r.register(name, p)
}
func (r *SynchronizationProviderRegistry) Unregister(name string)     { r.unregister(name) }
func (r *SynchronizationProviderRegistry) Snapshot() []interface{}    { return r.snapshot() }
func (r *ChangeListenerRegistry) Register(name string, l interface{}) { r.register(name, l) }
func (r *ChangeListenerRegistry) Unregister(name string)              { r.unregister(name) }
func (r *ChangeListenerRegistry) Snapshot() []interface{}             { return r.snapshot() }

// AncestorCache bounds the walk-ancestors-to-find-matchedDN lookup
// with an LRU rather than an unbounded map, since matchedDN resolution
// can touch arbitrarily deep trees under sustained load.
type AncestorCache struct {
	cache *lru.Cache
}

func NewAncestorCache(size int) (*AncestorCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &AncestorCache{cache: c}, nil
}

func (a *AncestorCache) Get(dn *schema.DN) (exists bool, found bool) {
	v, ok := a.cache.Get(dn.DNNormStr())
	if !ok {
		return false, false
	}
	return v.(bool), true
}

func (a *AncestorCache) Put(dn *schema.DN, exists bool) {
	a.cache.Add(dn.DNNormStr(), exists)
}

// Environment is the explicit dependency bundle the state machine
// takes instead of reaching for global mutable singletons.
type Environment struct {
	Directory       Directory
	ACL             AccessControlHandler
	Plugins         *PluginRegistry
	SyncProviders   *SynchronizationProviderRegistry
	ChangeListeners *ChangeListenerRegistry
	SchemaRegistry  *schema.SchemaRegistry
	Ancestors       *AncestorCache
}
