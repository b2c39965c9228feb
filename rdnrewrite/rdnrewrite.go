// Package rdnrewrite derives the attribute modifications a DN change
// implies: deleting the old RDN's values, adding the new RDN's values,
// gating both against schema, and later applying any modifications a
// pre-operation plugin appended.
package rdnrewrite

import (
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
	"github.com/cloudldap/dnmove/util"
)

// Rewriter applies the RDN rewrite and the schema gate that follows
// it. CheckSchema mirrors the server-wide config flag of the same
// name; synchronization operations skip the gate regardless.
type Rewriter struct {
	SR          *schema.SchemaRegistry
	CheckSchema bool
}

func New(sr *schema.SchemaRegistry, checkSchema bool) *Rewriter {
	return &Rewriter{SR: sr, CheckSchema: checkSchema}
}

// Apply runs the old-RDN deletion, the new-RDN addition, then the
// schema gate once, operating on ctx.NewEntry. ctx.NewEntry.DN must
// already reflect the target DN (computed upstream once newSuperior,
// if any, is resolved).
func (r *Rewriter) Apply(ctx *opctx.OperationContext, oldRDN, newRDN *schema.RelativeDN, deleteOldRDN bool) opctx.Outcome {
	if deleteOldRDN {
		if outcome := r.deleteOldRDN(ctx, oldRDN); outcome.Kind != opctx.OutcomeContinue {
			return outcome
		}
	}
	if outcome := r.addNewRDN(ctx, newRDN); outcome.Kind != opctx.OutcomeContinue {
		return outcome
	}
	return r.gate(ctx, newRDN)
}

// deleteOldRDN removes each old-RDN value from the candidate entry,
// recording a DELETE modification only for values that were actually
// present (a value shared with the new RDN may already be gone).
func (r *Rewriter) deleteOldRDN(ctx *opctx.OperationContext, oldRDN *schema.RelativeDN) opctx.Outcome {
	for i := 0; i < oldRDN.NumValues(); i++ {
		name := oldRDN.AttributeNameAt(i)
		value := oldRDN.AttributeOrigValueAt(i)

		typ, ok := r.SR.AttributeType(name)
		if !ok {
			return opctx.Abort(util.UndefinedAttributeType, "undefined attribute type in old RDN: "+name, false)
		}
		if typ.NoUserModification && !(ctx.IsInternal || ctx.IsSynchronization) {
			return opctx.Abort(util.UnwillingToPerform, "cannot modify no-user-modification attribute "+name, false)
		}

		a, err := schema.NewAttribute(r.SR, name, []string{value})
		if err != nil {
			return opctx.Abort(util.InvalidDNSyntax, err.Error(), false)
		}

		missing, err := ctx.NewEntry.RemoveAttribute(a)
		if err != nil {
			return opctx.Abort(util.OperationsError, err.Error(), false)
		}
		if len(missing) == 0 {
			ctx.Modifications = append(ctx.Modifications, &schema.Modification{Kind: schema.ModDelete, Attribute: a})
		}
	}
	return opctx.Continue()
}

// addNewRDN adds each new-RDN value to the candidate entry, recording
// an ADD modification only for values that were not already present.
func (r *Rewriter) addNewRDN(ctx *opctx.OperationContext, newRDN *schema.RelativeDN) opctx.Outcome {
	for i := 0; i < newRDN.NumValues(); i++ {
		name := newRDN.AttributeNameAt(i)
		value := newRDN.AttributeOrigValueAt(i)

		typ, ok := r.SR.AttributeType(name)
		if !ok {
			return opctx.Abort(util.UndefinedAttributeType, "undefined attribute type in new RDN: "+name, false)
		}

		a, err := schema.NewAttribute(r.SR, name, []string{value})
		if err != nil {
			return opctx.Abort(util.InvalidDNSyntax, err.Error(), false)
		}

		duplicates, err := ctx.NewEntry.AddAttribute(a)
		if err != nil {
			return opctx.Abort(util.OperationsError, err.Error(), false)
		}
		if len(duplicates) == 0 {
			if typ.NoUserModification && !(ctx.IsInternal || ctx.IsSynchronization) {
				return opctx.Abort(util.UnwillingToPerform, "cannot modify no-user-modification attribute "+name, false)
			}
			ctx.Modifications = append(ctx.Modifications, &schema.Modification{Kind: schema.ModAdd, Attribute: a})
		}
	}
	return opctx.Continue()
}

// gate validates the candidate entry against schema, run once after
// the RDN rewrite and again (by the caller) after each plugin
// modification batch. A new RDN naming an obsolete attribute type is
// rejected here too.
func (r *Rewriter) gate(ctx *opctx.OperationContext, newRDN *schema.RelativeDN) opctx.Outcome {
	if !r.CheckSchema || ctx.IsSynchronization {
		return opctx.Continue()
	}

	if ok, reason := ctx.NewEntry.ConformsToSchema(r.SR); !ok {
		return opctx.Abort(util.ObjectClassViolation, reason, false)
	}

	if newRDN != nil {
		for i := 0; i < newRDN.NumValues(); i++ {
			typ, ok := r.SR.AttributeType(newRDN.AttributeNameAt(i))
			if ok && typ.Obsolete {
				return opctx.Abort(util.UnwillingToPerform, "RDN attribute type is obsolete: "+newRDN.AttributeNameAt(i), false)
			}
		}
	}
	return opctx.Continue()
}

// Gate re-runs the schema check alone, for the re-validation required
// after each plugin modification batch.
func (r *Rewriter) Gate(ctx *opctx.OperationContext) opctx.Outcome {
	return r.gate(ctx, nil)
}

// ApplyModifications applies ctx.Modifications[startPos:] (the ones a
// pre-operation plugin appended) to ctx.NewEntry in order, then
// re-runs the schema gate if CheckSchema. ADD/DELETE here tolerate
// duplicate/missing values - schema.Modification.Apply is deliberately
// not reused for those two kinds, since it reports exactly those
// conflicts as errors.
func (r *Rewriter) ApplyModifications(ctx *opctx.OperationContext, startPos int) opctx.Outcome {
	for _, m := range ctx.Modifications[startPos:] {
		var err error
		switch m.Kind {
		case schema.ModAdd:
			_, err = ctx.NewEntry.AddAttribute(m.Attribute)
		case schema.ModDelete:
			_, err = ctx.NewEntry.RemoveAttribute(m.Attribute)
		default:
			err = m.Apply(ctx.NewEntry)
		}
		if err != nil {
			if lerr, ok := err.(*util.LDAPError); ok {
				return opctx.AbortErr(lerr, false)
			}
			return opctx.Abort(util.OperationsError, err.Error(), false)
		}
	}
	if r.CheckSchema && !ctx.IsSynchronization {
		return r.Gate(ctx)
	}
	return opctx.Continue()
}
