// Package controls implements the request/response control pipeline:
// per-control authorization, OID dispatch, and response-control
// attachment. A Control's Payload is the control value's content with
// the wire envelope already stripped by the transport layer, so this
// package decodes only the payload's own internal structure where one
// exists (the read-entry attribute selection, via
// go-asn1-ber/asn1-ber), and evaluates the assertion filter with
// go-ldap/v3's filter compiler.
package controls

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudldap/dnmove/directory"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
	"github.com/cloudldap/dnmove/util"
	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Control OIDs recognized by the pipeline.
const (
	Assertion         = "1.3.6.1.1.12"
	NoOp              = "1.3.6.1.4.1.4203.1.10.2"
	ReadEntryPreRead  = "1.3.6.1.1.13.1"
	ReadEntryPostRead = "1.3.6.1.1.13.2"
	ProxiedAuthV1     = "2.16.840.1.113730.3.4.12"
	ProxiedAuthV2     = "2.16.840.1.113730.3.4.18"
)

const proxiedAuthPrivilege = "PROXIED_AUTH"

// ReadEntryRequest is the decoded form of a pre/post-read control's
// value: which attributes the caller wants in the returned entry
// snapshot.
type ReadEntryRequest struct {
	Attributes []string
}

// Pipeline runs the request-control phase and the response-control
// attachment phase. A Pipeline is scoped to a single in-flight
// operation: Apply stashes what AttachResponseControls later needs, so
// do not share one across concurrent operations.
type Pipeline struct {
	ACL directory.AccessControlHandler
	SR  *schema.SchemaRegistry

	preRead, postRead *ReadEntryRequest
}

func New(acl directory.AccessControlHandler, sr *schema.SchemaRegistry) *Pipeline {
	return &Pipeline{ACL: acl, SR: sr}
}

// Apply iterates ctx.RequestControls in client-provided order,
// authorizing and dispatching each one. It returns a non-Continue
// Outcome on the first failure, same as every other phase function in
// this pipeline.
func (p *Pipeline) Apply(goCtx context.Context, ctx *opctx.OperationContext, backend directory.Backend) opctx.Outcome {
	var preRead, postRead *ReadEntryRequest

	for _, c := range ctx.RequestControls {
		if !p.ACL.IsAllowedControl(ctx.EntryDN, ctx, c) {
			return opctx.AbortErr(util.NewInsufficientAccessForControl(c.OID), true)
		}

		switch c.OID {
		case Assertion:
			filterStr := string(c.Payload)
			matched, err := evaluateAssertion(filterStr, ctx.CurrentEntry)
			if err != nil {
				return opctx.AbortErr(util.NewProtocolError(err.Error()), false)
			}
			if !matched {
				return opctx.AbortErr(util.NewAssertionFailed(), false)
			}
			c.Decoded = filterStr

		case NoOp:
			ctx.NoOp = true

		case ReadEntryPreRead:
			req, err := decodeReadEntryRequest(c.Payload)
			if err != nil {
				return opctx.AbortErr(util.NewProtocolError(err.Error()), false)
			}
			c.Decoded = req
			preRead = req

		case ReadEntryPostRead:
			req, err := decodeReadEntryRequest(c.Payload)
			if err != nil {
				return opctx.AbortErr(util.NewProtocolError(err.Error()), false)
			}
			c.Decoded = req
			postRead = req

		case ProxiedAuthV1, ProxiedAuthV2:
			if !p.ACL.HasPrivilege(ctx.Caller, proxiedAuthPrivilege) {
				return opctx.AbortErr(util.NewAuthorizationDenied(), false)
			}
			authzID := string(c.Payload)
			dn, err := ParseAuthzID(p.SR, authzID)
			if err != nil {
				return opctx.AbortErr(util.NewProtocolError(err.Error()), false)
			}
			ctx.ProxiedAuthorizationDN = dn
			if dn != nil {
				entry, err := backend.GetEntry(goCtx, dn)
				if err != nil || entry == nil {
					return opctx.Abort(util.AuthorizationDenied,
						fmt.Sprintf("no such authorization identity: %s", dn.DNNormStr()), false)
				}
				ctx.AuthorizationEntry = entry
			}
			c.Decoded = authzID

		default:
			if c.Critical && !backend.SupportsControl(c.OID) {
				return opctx.AbortErr(util.NewUnavailableCriticalExtension(c.OID), false)
			}
			// non-critical unknown control: ignored
		}
	}

	p.preRead = preRead
	p.postRead = postRead
	return opctx.Continue()
}

// AttachResponseControls emits the read-entry response controls: if a
// pre/post-read request was seen, snapshot the corresponding entry
// (deep copy), filter it per the requested attribute selection, and
// append the matching response control.
func (p *Pipeline) AttachResponseControls(ctx *opctx.OperationContext) {
	if p.preRead != nil && ctx.CurrentEntry != nil {
		ctx.ResponseControls = append(ctx.ResponseControls, &opctx.Control{
			OID:     ReadEntryPreRead,
			Decoded: filterEntry(ctx.CurrentEntry.Duplicate(true), p.preRead.Attributes),
		})
	}
	if p.postRead != nil && ctx.NewEntry != nil {
		ctx.ResponseControls = append(ctx.ResponseControls, &opctx.Control{
			OID:     ReadEntryPostRead,
			Decoded: filterEntry(ctx.NewEntry.Duplicate(true), p.postRead.Attributes),
		})
	}
}

// filterEntry applies the read-entry control's attribute selection (RFC
// 4527 semantics): an empty list means all user attributes, "*" selects
// all user attributes, "+" all operational attributes, and anything
// else names an attribute directly.
func filterEntry(e *schema.Entry, wanted []string) *schema.Entry {
	out := schema.NewEntry(e.DN)
	if len(wanted) == 0 {
		for k, a := range e.UserAttributes() {
			out.Attrs[k] = a
		}
		return out
	}

	allUser, allOperational := false, false
	want := util.NewStringSet()
	for _, w := range wanted {
		switch w {
		case "*":
			allUser = true
		case "+":
			allOperational = true
		default:
			want.Add(strings.ToLower(w))
		}
	}
	for k, a := range e.Attrs {
		named := want.Contains(strings.ToLower(a.Name()))
		operational := a.Type().IsOperationalAttribute() || a.IsNoUserModification()
		if named || (allUser && !operational) || (allOperational && operational) {
			out.Attrs[k] = a
		}
	}
	return out
}

func decodeReadEntryRequest(payload []byte) (*ReadEntryRequest, error) {
	if len(payload) == 0 {
		return &ReadEntryRequest{}, nil
	}
	packet, err := ber.DecodePacketErr(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode read-entry control value: %w", err)
	}
	attrs := make([]string, 0, len(packet.Children))
	for _, child := range packet.Children {
		attrs = append(attrs, child.Data.String())
	}
	return &ReadEntryRequest{Attributes: attrs}, nil
}

// ParseAuthzID resolves an RFC 4513 authzId ("dn:<DN>" or "" for
// anonymous) against sr. "u:<userid>" forms are backend-specific
// identity mapping and are rejected as unsupported rather than being
// silently ignored.
func ParseAuthzID(sr *schema.SchemaRegistry, authzID string) (*schema.DN, error) {
	if authzID == "" {
		return nil, nil
	}
	if strings.HasPrefix(authzID, "dn:") {
		return schema.ParseDN(sr, strings.TrimPrefix(authzID, "dn:"))
	}
	return nil, fmt.Errorf("unsupported authzId form: %s", authzID)
}

// evaluateAssertion compiles filterStr with go-ldap's filter compiler
// and evaluates the decoded packet tree against entry's attributes.
func evaluateAssertion(filterStr string, entry *schema.Entry) (bool, error) {
	packet, err := ldap.CompileFilter(filterStr)
	if err != nil {
		return false, fmt.Errorf("failed to compile assertion filter: %w", err)
	}
	return evalFilterPacket(packet, entry)
}

func evalFilterPacket(packet *ber.Packet, entry *schema.Entry) (bool, error) {
	switch ldap.FilterMap[uint64(packet.Tag)] {
	case "And":
		for _, child := range packet.Children {
			ok, err := evalFilterPacket(child, entry)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case "Or":
		for _, child := range packet.Children {
			ok, err := evalFilterPacket(child, entry)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case "Not":
		ok, err := evalFilterPacket(packet.Children[0], entry)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case "Present":
		name := packet.Data.String()
		_, ok := entry.GetAttribute(name)
		return ok, nil

	case "Equality Match":
		return evalEquality(packet, entry)

	case "Greater Or Equal", "Less Or Equal", "Approx Match":
		return evalEquality(packet, entry)

	case "Substrings":
		return evalSubstrings(packet, entry)

	default:
		return false, fmt.Errorf("unsupported filter element: tag %d", packet.Tag)
	}
}

func evalEquality(packet *ber.Packet, entry *schema.Entry) (bool, error) {
	if len(packet.Children) != 2 {
		return false, fmt.Errorf("malformed equality-style filter element")
	}
	name := packet.Children[0].Data.String()
	value := strings.ToLower(packet.Children[1].Data.String())

	attr, ok := entry.GetAttribute(name)
	if !ok {
		return false, nil
	}
	return attr.Contains(value), nil
}

func evalSubstrings(packet *ber.Packet, entry *schema.Entry) (bool, error) {
	if len(packet.Children) == 0 {
		return false, fmt.Errorf("malformed substrings filter element")
	}
	name := packet.Children[0].Data.String()
	attr, ok := entry.GetAttribute(name)
	if !ok {
		return false, nil
	}

	var anyPart, initial, final string
	for _, part := range packet.Children[1].Children {
		v := strings.ToLower(part.Data.String())
		switch part.Tag {
		case 0:
			initial = v
		case 1:
			anyPart = v
		case 2:
			final = v
		}
	}

	for _, v := range attr.NormValues() {
		if initial != "" && !strings.HasPrefix(v, initial) {
			continue
		}
		if final != "" && !strings.HasSuffix(v, final) {
			continue
		}
		if anyPart != "" && !strings.Contains(v, anyPart) {
			continue
		}
		return true, nil
	}
	return false, nil
}
