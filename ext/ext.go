// Package ext implements the extension bus: pre/post-operation plugin
// dispatch, post-synchronization and change-notification
// fire-and-forget fan-out, and the synchronization-provider hooks.
package ext

import (
	"log"

	"github.com/cloudldap/dnmove/directory"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
)

// Plugin receives the pre/post-operation Modify-DN hooks and may
// mutate ctx.NewEntry / ctx.Modifications.
type Plugin interface {
	PreOperationModifyDN(ctx *opctx.OperationContext) opctx.Directive
	PostOperationModifyDN(ctx *opctx.OperationContext) opctx.Directive
}

// SynchronizationProvider participates in replication and conflict
// resolution. The boolean returns answer "continue?"; a false return
// means the provider has already stamped ctx's result fields.
type SynchronizationProvider interface {
	DoPreOperation(ctx *opctx.OperationContext) bool
	DoPostOperation(ctx *opctx.OperationContext) bool
	DoPostSynchronization(ctx *opctx.OperationContext)
	SyncConflictResolution(ctx *opctx.OperationContext) bool
}

// ChangeListener observes a completed, successful Modify-DN.
type ChangeListener interface {
	HandleModifyDNOperation(ctx *opctx.OperationContext, oldEntry, newEntry *schema.Entry)
}

// Bus dispatches across the three registries in directory.Environment,
// snapshotting iteration order at the start of each phase so a
// concurrent registration never changes an in-flight fan-out.
type Bus struct {
	Plugins         *directory.PluginRegistry
	SyncProviders   *directory.SynchronizationProviderRegistry
	ChangeListeners *directory.ChangeListenerRegistry
}

func New(env *directory.Environment) *Bus {
	return &Bus{
		Plugins:         env.Plugins,
		SyncProviders:   env.SyncProviders,
		ChangeListeners: env.ChangeListeners,
	}
}

// PreOperationModifyDN runs every registered plugin's pre-op hook in
// registration order, stopping at the first non-Continue directive.
func (b *Bus) PreOperationModifyDN(ctx *opctx.OperationContext) opctx.Directive {
	for _, item := range b.Plugins.Snapshot() {
		p, ok := item.(Plugin)
		if !ok {
			continue
		}
		if d := p.PreOperationModifyDN(ctx); d != opctx.DirectiveContinue {
			return d
		}
	}
	return opctx.DirectiveContinue
}

// PostOperationModifyDN runs every registered plugin's post-op hook in
// registration order, stopping at the first non-Continue directive.
func (b *Bus) PostOperationModifyDN(ctx *opctx.OperationContext) opctx.Directive {
	for _, item := range b.Plugins.Snapshot() {
		p, ok := item.(Plugin)
		if !ok {
			continue
		}
		if d := p.PostOperationModifyDN(ctx); d != opctx.DirectiveContinue {
			return d
		}
	}
	return opctx.DirectiveContinue
}

// PostSynchronizationModifyDN is fire-and-forget: every provider runs
// regardless of what earlier ones did, and a panicking provider is
// recovered and logged rather than aborting the fan-out.
func (b *Bus) PostSynchronizationModifyDN(ctx *opctx.OperationContext) {
	for _, item := range b.SyncProviders.Snapshot() {
		p, ok := item.(SynchronizationProvider)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("warn: post-synchronization provider panicked: %v", r)
				}
			}()
			p.DoPostSynchronization(ctx)
		}()
	}
}

// ChangeNotification dispatches to every registered listener,
// recovering and logging any panic so one misbehaving listener cannot
// affect another or the caller.
func (b *Bus) ChangeNotification(ctx *opctx.OperationContext, oldEntry, newEntry *schema.Entry) {
	for _, item := range b.ChangeListeners.Snapshot() {
		l, ok := item.(ChangeListener)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("warn: change listener panicked: %v", r)
				}
			}()
			l.HandleModifyDNOperation(ctx, oldEntry, newEntry)
		}()
	}
}

// SyncPreOperation runs every synchronization provider's pre-op hook,
// stopping at the first one that returns false (it has already stamped
// ctx's result fields).
func (b *Bus) SyncPreOperation(ctx *opctx.OperationContext) bool {
	for _, item := range b.SyncProviders.Snapshot() {
		p, ok := item.(SynchronizationProvider)
		if !ok {
			continue
		}
		if !p.DoPreOperation(ctx) {
			return false
		}
	}
	return true
}

// SyncPostOperation runs each synchronization provider's post-op hook
// as part of the cleanup block, stopping at the first one that reports
// failure. A provider that fails here has already stamped ctx's result
// fields, so a late post-operation error can replace a successful core
// result; a provider that never got to record a committed change must
// stay visible to the client.
func (b *Bus) SyncPostOperation(ctx *opctx.OperationContext) bool {
	for _, item := range b.SyncProviders.Snapshot() {
		p, ok := item.(SynchronizationProvider)
		if !ok {
			continue
		}
		if !p.DoPostOperation(ctx) {
			return false
		}
	}
	return true
}

// SyncConflictResolution runs every provider's conflict-resolution
// hook, stopping at the first one that returns false.
func (b *Bus) SyncConflictResolution(ctx *opctx.OperationContext) bool {
	for _, item := range b.SyncProviders.Snapshot() {
		p, ok := item.(SynchronizationProvider)
		if !ok {
			continue
		}
		if !p.SyncConflictResolution(ctx) {
			return false
		}
	}
	return true
}
