// Package modifydn implements the Modify-DN (rename) state machine:
// resolve the target DN, bind to a backend, take the two-DN write
// lock, fetch the live entry, run the control pipeline and access
// check, rewrite the RDN into a modification delta, dispatch plugin
// and synchronization hooks, commit through the backend, and clean up
// on every exit path.
package modifydn

import (
	"context"
	"errors"

	"github.com/cloudldap/dnmove/controls"
	"github.com/cloudldap/dnmove/directory"
	"github.com/cloudldap/dnmove/ext"
	"github.com/cloudldap/dnmove/lock"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/rdnrewrite"
	"github.com/cloudldap/dnmove/schema"
	"github.com/cloudldap/dnmove/util"
)

// LockRetries is the retries argument to lock.Coordinator.TryWrite.
const LockRetries = 3

// StateMachine runs one Modify-DN operation end to end.
type StateMachine struct {
	Env   *directory.Environment
	Locks *lock.Coordinator
}

func New(env *directory.Environment, locks *lock.Coordinator) *StateMachine {
	return &StateMachine{Env: env, Locks: locks}
}

// Process is the single entry point. It always runs the cleanup block
// (lock release, sync post-operation, cancel latch) before returning,
// regardless of which phase failed.
func (sm *StateMachine) Process(goCtx context.Context, opCtx *opctx.OperationContext) opctx.Outcome {
	extBus := ext.New(sm.Env)
	state := &runState{sm: sm, ext: extBus}

	outcome, pair := state.runCore(goCtx, opCtx)

	cleanupDone := false
	cleanup := func() {
		if cleanupDone {
			return
		}
		cleanupDone = true
		pair.Release(sm.Locks)
		extBus.SyncPostOperation(opCtx)
		opCtx.LatchTooLate()
	}
	defer cleanup()

	// The core result is stamped before the cleanup block so a failing
	// post-operation synchronization provider can replace it; that
	// late error stays visible to the client.
	if outcome.Kind != opctx.OutcomeConnectionTerminated {
		applyOutcome(opCtx, outcome)
	}
	cleanup()

	if outcome.Kind == opctx.OutcomeConnectionTerminated {
		return outcome
	}

	// Observed cancellation returns without invoking post-op plugins or
	// change notification; the cleanup above has already run.
	if outcome.Kind == opctx.OutcomeCancelled {
		return outcome
	}

	// Phase 19: post-op or post-sync plugins.
	if opCtx.IsSynchronization && opCtx.ResultCode == util.Success {
		extBus.PostSynchronizationModifyDN(opCtx)
	} else if !opCtx.SkipPostOperation {
		directive := extBus.PostOperationModifyDN(opCtx)
		if directive == opctx.DirectiveConnectionTerminated {
			opCtx.ResultCode = util.Canceled
			return opctx.ConnectionTerminated(util.Canceled)
		}
	}

	// Phase 20: change notification.
	if opCtx.ResultCode == util.Success {
		extBus.ChangeNotification(opCtx, state.preRenameEntry, opCtx.NewEntry)
	}

	return outcome
}

// applyOutcome stamps ctx.ResultCode/ErrorMessage from outcome unless
// the outcome says a collaborator already set them directly.
func applyOutcome(opCtx *opctx.OperationContext, outcome opctx.Outcome) {
	if outcome.KeepContextResult {
		return
	}
	switch outcome.Kind {
	case opctx.OutcomeContinue:
		// success path already stamped the result code in phase 17.
	case opctx.OutcomeAbort:
		opCtx.ResultCode = outcome.Code
		opCtx.ErrorMessage = outcome.Msg
		opCtx.SkipPostOperation = opCtx.SkipPostOperation || outcome.SkipPost
	case opctx.OutcomeCancelled:
		opCtx.ResultCode = util.Canceled
	}
}

// runState carries the per-invocation values phases need to share that
// don't belong on OperationContext itself (it is the caller's, not this
// package's, state bag).
type runState struct {
	sm             *StateMachine
	ext            *ext.Bus
	preRenameEntry *schema.Entry
}

// runCore runs every phase up to and including the commit, returning
// the terminal Outcome and whatever lock pair was acquired (nil if
// acquisition never succeeded or was never reached).
func (s *runState) runCore(goCtx context.Context, opCtx *opctx.OperationContext) (opctx.Outcome, *lock.Pair) {
	sr := s.sm.Env.SchemaRegistry

	// Phase 1: resolve DNs.
	var parentDN *schema.DN
	if opCtx.NewSuperior != nil {
		parentDN = opCtx.NewSuperior
	} else {
		parentDN = opCtx.EntryDN.ParentInSuffix(sr.SuffixDN)
	}
	if parentDN == nil || parentDN.IsAnonymous() {
		return opctx.AbortErr(util.NewUnwillingToPerform("entry has no parent to rename under"), false), nil
	}
	newRDNDN, err := schema.ParseDN(sr, opCtx.NewRDN)
	if err != nil {
		return opctx.Abort(util.InvalidDNSyntax, "invalid new RDN: "+err.Error(), false), nil
	}
	if len(newRDNDN.RDNs) != 1 {
		return opctx.Abort(util.InvalidDNSyntax, "new RDN must be a single RDN", false), nil
	}
	newDN := parentDN.Concat(newRDNDN.RDNs[0])
	if opCtx.CheckCancelled() {
		return opctx.Cancelled(), nil
	}

	// Phase 2: backend binding.
	currentBackend, ok := s.sm.Env.Directory.GetBackend(opCtx.EntryDN)
	if !ok {
		return opctx.AbortErr(util.NewNoSuchObject(), false), nil
	}
	newBackend, ok := s.sm.Env.Directory.GetBackend(newDN)
	if !ok {
		return opctx.AbortErr(util.NewNoSuchObject(), false), nil
	}
	if newBackend != currentBackend {
		return opctx.AbortErr(util.NewUnwillingToPerform("cross-backend moves are not supported"), false), nil
	}

	// Phase 3: lock pair.
	pair, ok := s.sm.Locks.AcquirePair(opCtx.EntryDN, newDN, LockRetries)
	if !ok {
		return opctx.AbortErr(util.NewOperationsError("failed to acquire write locks"), true), nil
	}

	// Phase 4: fetch current entry.
	currentEntry, err := currentBackend.GetEntry(goCtx, opCtx.EntryDN)
	if err != nil || currentEntry == nil {
		opCtx.MatchedDN = s.findMatchedDN(goCtx, opCtx.EntryDN)
		if opCtx.MatchedDN != nil {
			return opctx.AbortErr(util.NewNoSuchObjectMatched(opCtx.MatchedDN.DNNormStr()), false), pair
		}
		return opctx.AbortErr(util.NewNoSuchObject(), false), pair
	}
	opCtx.CurrentEntry = currentEntry
	s.preRenameEntry = currentEntry

	// Phase 5: conflict resolution.
	if !s.ext.SyncConflictResolution(opCtx) {
		return opctx.AbortKeepingContextResult(false), pair
	}

	// Phase 6: control pipeline.
	pipeline := controls.New(s.sm.Env.ACL, sr)
	if outcome := pipeline.Apply(goCtx, opCtx, currentBackend); outcome.Kind != opctx.OutcomeContinue {
		return outcome, pair
	}

	// Phase 7: access decision.
	if !s.sm.Env.ACL.IsAllowed(opCtx) {
		return opctx.AbortErr(util.NewInsufficientAccess(), true), pair
	}

	// Phase 8: construct candidate.
	newEntry := opCtx.CurrentEntry.Duplicate(true)
	newEntry.SetDN(newDN)
	opCtx.NewEntry = newEntry
	opCtx.Modifications = nil

	// Phase 9: RDN rewrite.
	rewriter := rdnrewrite.New(sr, s.sm.Env.Directory.CheckSchema())
	if outcome := rewriter.Apply(opCtx, opCtx.EntryDN.RDNs[0], newDN.RDNs[0], opCtx.DeleteOldRDN); outcome.Kind != opctx.OutcomeContinue {
		return outcome, pair
	}
	if opCtx.CheckCancelled() {
		return opctx.Cancelled(), pair
	}

	// Phase 10: pre-op plugins (non-sync only).
	if !opCtx.IsSynchronization {
		preModCount := len(opCtx.Modifications)
		directive := s.ext.PreOperationModifyDN(opCtx)
		switch directive {
		case opctx.DirectiveConnectionTerminated:
			opCtx.ResultCode = util.Canceled
			return opctx.ConnectionTerminated(util.Canceled), pair
		case opctx.DirectiveSendResponseNow:
			return opctx.AbortKeepingContextResult(true), pair
		case opctx.DirectiveSkipCore:
			return opctx.AbortKeepingContextResult(false), pair
		}

		// Phase 11: apply pre-op modifications.
		if len(opCtx.Modifications) > preModCount {
			if outcome := rewriter.ApplyModifications(opCtx, preModCount); outcome.Kind != opctx.OutcomeContinue {
				return outcome, pair
			}
		}
	}
	if opCtx.CheckCancelled() {
		return opctx.Cancelled(), pair
	}

	// Phase 12: writability gate.
	if !currentBackend.IsPrivateBackend() {
		if outcome := checkWritability(s.sm.Env.Directory.GetWritabilityMode(), opCtx); outcome.Kind != opctx.OutcomeContinue {
			return outcome, pair
		}
		if outcome := checkWritability(currentBackend.GetWritabilityMode(), opCtx); outcome.Kind != opctx.OutcomeContinue {
			return outcome, pair
		}
	}

	// Phase 13: no-op short-circuit.
	skipWrite := opCtx.NoOp
	if skipWrite {
		opCtx.ErrorMessage = "no operation performed"
	}

	// Phase 14: sync pre-op.
	if !s.ext.SyncPreOperation(opCtx) {
		return opctx.AbortKeepingContextResult(false), pair
	}

	// Phase 15: commit. Cancellation is too late once the write starts.
	if !skipWrite {
		opCtx.LatchTooLate()
		if err := currentBackend.RenameEntry(goCtx, opCtx.EntryDN, opCtx.NewEntry, opCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return opctx.Cancelled(), pair
			}
			var retryErr *util.RetryError
			if errors.As(err, &retryErr) {
				return opctx.AbortRetryable(err.Error()), pair
			}
			var lerr *util.LDAPError
			if errors.As(err, &lerr) {
				return opctx.AbortErr(lerr, false), pair
			}
			return opctx.Abort(util.OperationsError, err.Error(), false), pair
		}
	}

	// Phase 16: attach read-entry controls.
	pipeline.AttachResponseControls(opCtx)

	// Phase 17: set SUCCESS if not no-op.
	if !skipWrite {
		opCtx.ResultCode = util.Success
	} else {
		opCtx.ResultCode = util.NoOperation
	}

	return opctx.Continue(), pair
}

func checkWritability(mode directory.WritabilityMode, opCtx *opctx.OperationContext) opctx.Outcome {
	switch mode {
	case directory.WritabilityDisabled:
		return opctx.AbortErr(util.NewUnwillingToPerform("writes are disabled"), false)
	case directory.WritabilityInternalOnly:
		if !(opCtx.IsInternal || opCtx.IsSynchronization) {
			return opctx.AbortErr(util.NewUnwillingToPerform("writes are restricted to internal operations"), false)
		}
	}
	return opctx.Continue()
}

// findMatchedDN walks ancestors toward the suffix, consulting the
// ancestor cache, and returns the first that exists.
func (s *runState) findMatchedDN(goCtx context.Context, dn *schema.DN) *schema.DN {
	suffix := s.sm.Env.SchemaRegistry.SuffixDN
	parent := dn.ParentInSuffix(suffix)
	for parent != nil {
		exists, found := s.sm.Env.Ancestors.Get(parent)
		if !found {
			exists = s.sm.Env.Directory.EntryExists(goCtx, parent)
			s.sm.Env.Ancestors.Put(parent, exists)
		}
		if exists {
			return parent
		}
		parent = parent.ParentInSuffix(suffix)
	}
	return nil
}
