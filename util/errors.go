package util

import "fmt"

// ResultCode is an LDAP result code (RFC 4511 §4.1.9), kept as a bare
// int rather than a wire enum since decoding the wire protocol is out
// of scope for this module.
type ResultCode int

const (
	Success                      ResultCode = 0
	OperationsError              ResultCode = 1
	ProtocolError                ResultCode = 2
	UnavailableCriticalExtension ResultCode = 12
	NoSuchAttribute              ResultCode = 16
	UndefinedAttributeType       ResultCode = 17
	ConstraintViolation          ResultCode = 19
	AttributeOrValueExists       ResultCode = 20
	NoSuchObject                 ResultCode = 32
	InvalidDNSyntax              ResultCode = 34
	InvalidCredentials           ResultCode = 49
	InsufficientAccessRights     ResultCode = 50
	UnwillingToPerform           ResultCode = 53
	NamingViolation              ResultCode = 64
	ObjectClassViolation         ResultCode = 65
	NotAllowedOnNonLeaf          ResultCode = 66
	EntryAlreadyExists           ResultCode = 68
	ObjectClassModsProhibited    ResultCode = 69
	AffectsMultipleDSAs          ResultCode = 71
	Canceled                     ResultCode = 118
	AssertionFailed              ResultCode = 122
	AuthorizationDenied          ResultCode = 123
	// NoOperation is the informal result code OpenDJ-derived servers use
	// to signal that the no-op control suppressed the write.
	NoOperation ResultCode = 16654
)

// LDAPError is a result code plus a diagnostic message, the shape every
// failure in the pipeline is reported as. It satisfies the error
// interface so it can travel through ordinary Go error handling and be
// recovered at the boundary with errors.As.
type LDAPError struct {
	Code ResultCode
	Msg  string
}

func (e *LDAPError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("ldap: result code %d", e.Code)
	}
	return fmt.Sprintf("ldap: result code %d: %s", e.Code, e.Msg)
}

func newErr(code ResultCode, format string, args ...interface{}) *LDAPError {
	return &LDAPError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func NewNoSuchObject() *LDAPError {
	return newErr(NoSuchObject, "no such object")
}

func NewNoSuchObjectMatched(matchedDN string) *LDAPError {
	return &LDAPError{Code: NoSuchObject, Msg: fmt.Sprintf("no such object, matched: %s", matchedDN)}
}

func NewInsufficientAccess() *LDAPError {
	return newErr(InsufficientAccessRights, "insufficient access rights")
}

func NewInsufficientAccessForControl(oid string) *LDAPError {
	return newErr(InsufficientAccessRights, "insufficient access rights to use control %s", oid)
}

func NewInvalidDNSyntax() *LDAPError {
	return newErr(InvalidDNSyntax, "invalid DN syntax")
}

func NewUnwillingToPerform(reason string) *LDAPError {
	return newErr(UnwillingToPerform, reason)
}

func NewAssertionFailed() *LDAPError {
	return newErr(AssertionFailed, "assertion control filter did not match the current entry")
}

func NewProtocolError(reason string) *LDAPError {
	return newErr(ProtocolError, reason)
}

func NewUnavailableCriticalExtension(oid string) *LDAPError {
	return newErr(UnavailableCriticalExtension, "critical extension not available: %s", oid)
}

func NewAuthorizationDenied() *LDAPError {
	return newErr(AuthorizationDenied, "caller lacks proxied-authorization privilege")
}

func NewObjectClassViolation(reason string) *LDAPError {
	return newErr(ObjectClassViolation, reason)
}

func NewConstraintViolation(reason string) *LDAPError {
	return newErr(ConstraintViolation, reason)
}

func NewNoSuchAttribute(attrName string) *LDAPError {
	return newErr(NoSuchAttribute, "no such attribute: %s", attrName)
}

func NewEntryAlreadyExists() *LDAPError {
	return newErr(EntryAlreadyExists, "entry already exists")
}

func NewAffectsMultipleDSAs() *LDAPError {
	return newErr(AffectsMultipleDSAs, "operation would affect multiple backends")
}

func NewOperationsError(reason string) *LDAPError {
	return newErr(OperationsError, reason)
}

func NewUndefinedAttributeType(name string) *LDAPError {
	return newErr(UndefinedAttributeType, "undefined attribute type: %s", name)
}

func NewAttributeOrValueExists(attrName string) *LDAPError {
	return newErr(AttributeOrValueExists, "attribute or value exists: %s", attrName)
}

func NewNamingViolation(reason string) *LDAPError {
	return newErr(NamingViolation, reason)
}

func NewNotAllowedOnNonLeaf(reason string) *LDAPError {
	return newErr(NotAllowedOnNonLeaf, reason)
}

// NewInvalidPerSyntax reports that value #index of attribute name
// failed the syntax check for its matching rule, the same shape
// OpenLDAP reports e.g. "pwdLockoutDuration: value #0 invalid per
// syntax".
func NewInvalidPerSyntax(name string, index int) *LDAPError {
	return newErr(InvalidDNSyntax, "%s: value #%d invalid per syntax", name, index)
}

// IsAttributeOrValueExists reports whether the error is the specific
// schema-level conflict meaning the value was already present under a
// different modification, not a hard failure.
func (e *LDAPError) IsAttributeOrValueExists() bool {
	return e != nil && e.Code == AttributeOrValueExists
}

// RetryError wraps a transient storage-layer conflict (e.g. an
// optimistic-concurrency version mismatch, or a deadlock victim) that
// the caller should retry a bounded number of times rather than surface
// to the client as a failure.
type RetryError struct {
	cause error
}

func NewRetryError(cause error) *RetryError {
	return &RetryError{cause: cause}
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retryable storage conflict: %v", e.cause)
}

func (e *RetryError) Unwrap() error {
	return e.cause
}
