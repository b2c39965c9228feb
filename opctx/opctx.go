// Package opctx holds the per-request mutable state the Modify-DN
// pipeline threads through every component: the OperationContext
// itself, the Outcome sum type phase functions return instead of
// throwing, and the Directive enum plugins answer with.
package opctx

import (
	"sync/atomic"

	"github.com/cloudldap/dnmove/auth"
	"github.com/cloudldap/dnmove/schema"
	"github.com/cloudldap/dnmove/util"
)

// Control is (oid, critical, opaquePayload) plus the decoded typed form
// once the control pipeline has parsed it. Decoding/BER-level payload
// interpretation lives in package controls; this struct is the shared
// data model every component sees in OperationContext.RequestControls
// / ResponseControls.
type Control struct {
	OID      string
	Critical bool
	Payload  []byte
	Decoded  interface{}
}

// CancelResult tracks the cooperative-cancellation state: None until a
// cancel is requested and observed, Cancelled once acted on, TooLate
// once latched when commit begins or in the cleanup block, unless a
// cancellation was already observed (then it stays Cancelled).
type CancelResult int32

const (
	CancelNone CancelResult = iota
	CancelCancelled
	CancelTooLate
)

// OperationContext is the lifecycle-of-one-request state bag every
// component receives. Mutation happens in place; components never
// copy it.
type OperationContext struct {
	// Input
	EntryDN           *schema.DN
	NewRDN            string
	NewSuperior       *schema.DN // nil when the request carries none
	DeleteOldRDN      bool
	RequestControls   []*Control
	Caller            *auth.Session
	IsInternal        bool
	IsSynchronization bool

	// Mutable
	CurrentEntry           *schema.Entry
	NewEntry               *schema.Entry
	Modifications          []*schema.Modification
	ResultCode             util.ResultCode
	ErrorMessage           string
	MatchedDN              *schema.DN
	ResponseControls       []*Control
	ProxiedAuthorizationDN *schema.DN
	AuthorizationEntry     *schema.Entry
	NoOp                   bool
	SkipPostOperation      bool

	cancelRequested int32
	cancelResult    int32
}

// RequestCancel is called by the caller (from any goroutine) to signal
// cooperative cancellation; the state machine polls for it between
// phases via CheckCancelled.
func (c *OperationContext) RequestCancel() {
	atomic.StoreInt32(&c.cancelRequested, 1)
}

func (c *OperationContext) CancelRequested() bool {
	return atomic.LoadInt32(&c.cancelRequested) == 1
}

func (c *OperationContext) CancelResult() CancelResult {
	return CancelResult(atomic.LoadInt32(&c.cancelResult))
}

// LatchTooLate makes any further cancellation request unobservable in
// the result. Called once when commit begins and again in the cleanup
// block. A cancellation that was already observed stays
// CancelCancelled; the latch only closes the door on future requests.
func (c *OperationContext) LatchTooLate() {
	atomic.CompareAndSwapInt32(&c.cancelResult, int32(CancelNone), int32(CancelTooLate))
}

func (c *OperationContext) markCancelled() {
	atomic.CompareAndSwapInt32(&c.cancelResult, int32(CancelNone), int32(CancelCancelled))
}

// CheckCancelled polls the cooperative cancel flag at a checkpoint.
// It returns true exactly once the cancellation is both requested and
// not already latched too-late, and it records the observation as
// CancelCancelled so the caller can act on it (indicateCancelled).
func (c *OperationContext) CheckCancelled() bool {
	if c.CancelResult() == CancelTooLate {
		return false
	}
	if !c.CancelRequested() {
		return false
	}
	c.markCancelled()
	return true
}

// OutcomeKind is the OperationOutcome sum type's tag.
type OutcomeKind int

const (
	OutcomeContinue OutcomeKind = iota
	OutcomeAbort
	OutcomeCancelled
	OutcomeConnectionTerminated
)

// Outcome replaces labeled-break-to-cleanup control flow: every phase
// function returns one of these instead of throwing, and the state
// machine matches on Kind to decide whether to continue, jump to
// cleanup, or return immediately.
type Outcome struct {
	Kind     OutcomeKind
	Code     util.ResultCode
	Msg      string
	SkipPost bool
	ConnCode util.ResultCode
	// KeepContextResult is set when a collaborator (a synchronization
	// provider's conflict-resolution hook) has already stamped
	// ResultCode/ErrorMessage directly on the OperationContext; the
	// state machine must not overwrite them with Code/Msg (both zero
	// here) in that case.
	KeepContextResult bool
	// Retryable is set when the commit failed with a *util.RetryError
	// (a transient storage conflict, e.g. a detected deadlock). The
	// request-handling adapter decides whether to retry the whole
	// operation; the state machine itself only surfaces the signal.
	Retryable bool
}

func Continue() Outcome {
	return Outcome{Kind: OutcomeContinue}
}

func Abort(code util.ResultCode, msg string, skipPost bool) Outcome {
	return Outcome{Kind: OutcomeAbort, Code: code, Msg: msg, SkipPost: skipPost}
}

// AbortErr is Abort with the code and message taken from a typed
// LDAPError.
func AbortErr(err *util.LDAPError, skipPost bool) Outcome {
	return Outcome{Kind: OutcomeAbort, Code: err.Code, Msg: err.Msg, SkipPost: skipPost}
}

// AbortRetryable reports a transient commit failure: the caller's
// retry loop, not this package, decides whether to try the operation
// again.
func AbortRetryable(msg string) Outcome {
	return Outcome{Kind: OutcomeAbort, Code: util.OperationsError, Msg: msg, Retryable: true}
}

// AbortKeepingContextResult is used when the result was already set
// directly on the OperationContext by a collaborator, e.g. a
// synchronization provider aborting conflict resolution after stamping
// its own result fields.
func AbortKeepingContextResult(skipPost bool) Outcome {
	return Outcome{Kind: OutcomeAbort, SkipPost: skipPost, KeepContextResult: true}
}

func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled, Code: util.Canceled}
}

func ConnectionTerminated(code util.ResultCode) Outcome {
	return Outcome{Kind: OutcomeConnectionTerminated, ConnCode: code}
}

// Directive is the plugin dispatch result: what the caller should do
// after the plugin returns.
type Directive int

const (
	DirectiveContinue Directive = iota
	DirectiveSkipCore
	DirectiveSendResponseNow
	DirectiveConnectionTerminated
)
