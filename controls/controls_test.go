package controls

import (
	"context"
	"testing"

	"github.com/cloudldap/dnmove/auth"
	"github.com/cloudldap/dnmove/directory"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
)

func testSR(t *testing.T) *schema.SchemaRegistry {
	t.Helper()
	sr := schema.NewSchemaRegistry(&schema.SchemaConfig{Suffix: "dc=example,dc=com", RootDN: "dc=example,dc=com"})
	sr.PutAttributeType("cn", &schema.AttributeType{Name: "cn", Equality: "caseIgnoreMatch", Substr: "caseIgnoreSubstringsMatch"})
	sr.PutAttributeType("sn", &schema.AttributeType{Name: "sn", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("mail", &schema.AttributeType{Name: "mail", Equality: "caseIgnoreMatch", Substr: "caseIgnoreSubstringsMatch"})
	sr.PutAttributeType("objectclass", &schema.AttributeType{Name: "objectclass", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("dc", &schema.AttributeType{Name: "dc", Equality: "caseIgnoreMatch"})
	if err := sr.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return sr
}

func testEntry(t *testing.T, sr *schema.SchemaRegistry) *schema.Entry {
	t.Helper()
	dn, err := schema.ParseDN(sr, "cn=Alice,dc=example,dc=com")
	if err != nil {
		t.Fatalf("ParseDN: %v", err)
	}
	e := schema.NewEntry(dn)
	cn, err := schema.NewAttribute(sr, "cn", []string{"Alice"})
	if err != nil {
		t.Fatalf("NewAttribute cn: %v", err)
	}
	e.PutAttribute(cn)
	sn, err := schema.NewAttribute(sr, "sn", []string{"Smith"})
	if err != nil {
		t.Fatalf("NewAttribute sn: %v", err)
	}
	e.PutAttribute(sn)
	mail, err := schema.NewAttribute(sr, "mail", []string{"alice@example.com"})
	if err != nil {
		t.Fatalf("NewAttribute mail: %v", err)
	}
	e.PutAttribute(mail)
	return e
}

func TestEvaluateAssertion(t *testing.T) {
	sr := testSR(t)
	entry := testEntry(t, sr)

	cases := []struct {
		name   string
		filter string
		want   bool
	}{
		{"equality match", "(cn=Alice)", true},
		{"equality mismatch", "(cn=Bob)", false},
		{"present", "(sn=*)", true},
		{"present missing", "(uid=*)", false},
		{"and both true", "(&(cn=Alice)(sn=Smith))", true},
		{"and one false", "(&(cn=Alice)(sn=Jones))", false},
		{"or one true", "(|(cn=Bob)(sn=Smith))", true},
		{"not", "(!(cn=Bob))", true},
		{"substrings", "(mail=*@example.com)", true},
		{"substrings mismatch", "(mail=*@other.com)", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := evaluateAssertion(c.filter, entry)
			if err != nil {
				t.Fatalf("evaluateAssertion(%q): %v", c.filter, err)
			}
			if got != c.want {
				t.Errorf("evaluateAssertion(%q) = %v, want %v", c.filter, got, c.want)
			}
		})
	}
}

type allowAllACL struct{}

func (allowAllACL) IsAllowed(ctx *opctx.OperationContext) bool { return true }
func (allowAllACL) IsAllowedControl(dn *schema.DN, ctx *opctx.OperationContext, c *opctx.Control) bool {
	return true
}
func (allowAllACL) HasPrivilege(caller *auth.Session, privilege string) bool { return true }

type denyControlACL struct{}

func (denyControlACL) IsAllowed(ctx *opctx.OperationContext) bool { return true }
func (denyControlACL) IsAllowedControl(dn *schema.DN, ctx *opctx.OperationContext, c *opctx.Control) bool {
	return false
}
func (denyControlACL) HasPrivilege(caller *auth.Session, privilege string) bool { return false }

type stubBackend struct{ supports bool }

func (b stubBackend) GetEntry(ctx context.Context, dn *schema.DN) (*schema.Entry, error) {
	return nil, nil
}
func (b stubBackend) RenameEntry(ctx context.Context, oldDN *schema.DN, newEntry *schema.Entry, opCtx *opctx.OperationContext) error {
	return nil
}
func (b stubBackend) IsPrivateBackend() bool                        { return false }
func (b stubBackend) GetWritabilityMode() directory.WritabilityMode { return directory.WritabilityEnabled }
func (b stubBackend) SupportsControl(oid string) bool               { return b.supports }

func TestPipelineApplyAssertionPass(t *testing.T) {
	sr := testSR(t)
	entry := testEntry(t, sr)

	ctx := &opctx.OperationContext{
		EntryDN:      entry.DN,
		CurrentEntry: entry,
		RequestControls: []*opctx.Control{
			{OID: Assertion, Payload: []byte("(cn=Alice)")},
		},
	}

	p := New(allowAllACL{}, sr)
	outcome := p.Apply(context.Background(), ctx, stubBackend{})
	if outcome.Kind != opctx.OutcomeContinue {
		t.Fatalf("expected Continue, got %+v", outcome)
	}
}

func TestPipelineApplyAssertionFail(t *testing.T) {
	sr := testSR(t)
	entry := testEntry(t, sr)

	ctx := &opctx.OperationContext{
		EntryDN:      entry.DN,
		CurrentEntry: entry,
		RequestControls: []*opctx.Control{
			{OID: Assertion, Payload: []byte("(cn=Bob)")},
		},
	}

	p := New(allowAllACL{}, sr)
	outcome := p.Apply(context.Background(), ctx, stubBackend{})
	if outcome.Kind != opctx.OutcomeAbort {
		t.Fatalf("expected Abort, got %+v", outcome)
	}
}

func TestPipelineApplyDeniedControl(t *testing.T) {
	sr := testSR(t)
	entry := testEntry(t, sr)

	ctx := &opctx.OperationContext{
		EntryDN:      entry.DN,
		CurrentEntry: entry,
		RequestControls: []*opctx.Control{
			{OID: NoOp},
		},
	}

	p := New(denyControlACL{}, sr)
	outcome := p.Apply(context.Background(), ctx, stubBackend{})
	if outcome.Kind != opctx.OutcomeAbort {
		t.Fatalf("expected Abort for denied control, got %+v", outcome)
	}
}

func TestPipelineApplyNoOp(t *testing.T) {
	sr := testSR(t)
	entry := testEntry(t, sr)

	ctx := &opctx.OperationContext{
		EntryDN:      entry.DN,
		CurrentEntry: entry,
		RequestControls: []*opctx.Control{
			{OID: NoOp},
		},
	}

	p := New(allowAllACL{}, sr)
	outcome := p.Apply(context.Background(), ctx, stubBackend{})
	if outcome.Kind != opctx.OutcomeContinue {
		t.Fatalf("expected Continue, got %+v", outcome)
	}
	if !ctx.NoOp {
		t.Error("expected ctx.NoOp to be set")
	}
}

func TestAttachResponseControls(t *testing.T) {
	sr := testSR(t)
	entry := testEntry(t, sr)

	ctx := &opctx.OperationContext{
		EntryDN:      entry.DN,
		CurrentEntry: entry,
		NewEntry:     entry,
		RequestControls: []*opctx.Control{
			{OID: ReadEntryPreRead},
			{OID: ReadEntryPostRead},
		},
	}

	p := New(allowAllACL{}, sr)
	if outcome := p.Apply(context.Background(), ctx, stubBackend{}); outcome.Kind != opctx.OutcomeContinue {
		t.Fatalf("Apply failed: %+v", outcome)
	}
	p.AttachResponseControls(ctx)

	if len(ctx.ResponseControls) != 2 {
		t.Fatalf("expected 2 response controls, got %d", len(ctx.ResponseControls))
	}
}

func TestParseAuthzID(t *testing.T) {
	sr := testSR(t)

	dn, err := ParseAuthzID(sr, "")
	if err != nil || dn != nil {
		t.Fatalf("empty authzId should resolve to anonymous, got dn=%v err=%v", dn, err)
	}

	dn, err = ParseAuthzID(sr, "dn:cn=Alice,dc=example,dc=com")
	if err != nil {
		t.Fatalf("ParseAuthzID: %v", err)
	}
	if dn == nil {
		t.Fatal("expected resolved DN")
	}

	if _, err := ParseAuthzID(sr, "u:alice"); err == nil {
		t.Error("expected unsupported authzId form to error")
	}
}
