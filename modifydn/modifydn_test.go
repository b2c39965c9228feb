package modifydn

import (
	"context"
	"testing"

	"github.com/cloudldap/dnmove/auth"
	"github.com/cloudldap/dnmove/directory"
	"github.com/cloudldap/dnmove/lock"
	"github.com/cloudldap/dnmove/opctx"
	"github.com/cloudldap/dnmove/schema"
	"github.com/cloudldap/dnmove/util"
)

func testSR(t *testing.T) *schema.SchemaRegistry {
	t.Helper()
	sr := schema.NewSchemaRegistry(&schema.SchemaConfig{Suffix: "dc=example,dc=com", RootDN: "dc=example,dc=com"})
	sr.PutAttributeType("cn", &schema.AttributeType{Name: "cn", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("sn", &schema.AttributeType{Name: "sn", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("objectclass", &schema.AttributeType{Name: "objectclass", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("dc", &schema.AttributeType{Name: "dc", Equality: "caseIgnoreMatch"})
	sr.PutObjectClass("top", &schema.ObjectClass{Name: "top", Structural: true, MustAttrs: []string{"objectClass"}})
	sr.PutObjectClass("person", &schema.ObjectClass{Name: "person", Sup: "top", Structural: true, MustAttrs: []string{"cn", "sn"}})
	if err := sr.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return sr
}

func testEntry(t *testing.T, sr *schema.SchemaRegistry, dnStr string) *schema.Entry {
	t.Helper()
	dn, err := schema.ParseDN(sr, dnStr)
	if err != nil {
		t.Fatalf("ParseDN(%q): %v", dnStr, err)
	}
	e := schema.NewEntry(dn)
	for name, vals := range map[string][]string{
		"objectclass": {"top", "person"},
		"cn":          {"alice"},
		"sn":          {"a"},
	} {
		a, err := schema.NewAttribute(sr, name, vals)
		if err != nil {
			t.Fatalf("NewAttribute %s: %v", name, err)
		}
		e.PutAttribute(a)
	}
	return e
}

type fakeBackend struct {
	entries   map[string]*schema.Entry
	renamed   []string
	renameErr error
	private   bool
	mode      directory.WritabilityMode
}

func (b *fakeBackend) GetEntry(ctx context.Context, dn *schema.DN) (*schema.Entry, error) {
	e, ok := b.entries[dn.DNNormStr()]
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (b *fakeBackend) RenameEntry(ctx context.Context, oldDN *schema.DN, newEntry *schema.Entry, opCtx *opctx.OperationContext) error {
	if b.renameErr != nil {
		return b.renameErr
	}
	b.renamed = append(b.renamed, newEntry.DN.DNNormStr())
	delete(b.entries, oldDN.DNNormStr())
	b.entries[newEntry.DN.DNNormStr()] = newEntry
	return nil
}

func (b *fakeBackend) IsPrivateBackend() bool                        { return b.private }
func (b *fakeBackend) GetWritabilityMode() directory.WritabilityMode { return b.mode }
func (b *fakeBackend) SupportsControl(oid string) bool               { return false }

type fakeDirectory struct {
	backend *fakeBackend
	suffix  *schema.DN
}

func (d *fakeDirectory) GetBackend(dn *schema.DN) (directory.Backend, bool) {
	if dn.IsSubOf(d.suffix) || dn.Equal(d.suffix) {
		return d.backend, true
	}
	return nil, false
}

func (d *fakeDirectory) EntryExists(ctx context.Context, dn *schema.DN) bool {
	_, ok := d.backend.entries[dn.DNNormStr()]
	return ok || dn.Equal(d.suffix)
}

func (d *fakeDirectory) GetWritabilityMode() directory.WritabilityMode { return directory.WritabilityEnabled }
func (d *fakeDirectory) CheckSchema() bool                             { return true }

type testACL struct{}

func (testACL) IsAllowed(ctx *opctx.OperationContext) bool { return true }
func (testACL) IsAllowedControl(dn *schema.DN, ctx *opctx.OperationContext, c *opctx.Control) bool {
	return true
}
func (testACL) HasPrivilege(caller *auth.Session, privilege string) bool { return true }

func setupEnv(t *testing.T) (*directory.Environment, *fakeBackend, *schema.SchemaRegistry) {
	t.Helper()
	sr := testSR(t)
	suffix := sr.SuffixDN
	backend := &fakeBackend{entries: make(map[string]*schema.Entry), mode: directory.WritabilityEnabled}
	dir := &fakeDirectory{backend: backend, suffix: suffix}
	anc, err := directory.NewAncestorCache(16)
	if err != nil {
		t.Fatalf("NewAncestorCache: %v", err)
	}
	env := &directory.Environment{
		Directory:       dir,
		ACL:             testACL{},
		Plugins:         directory.NewPluginRegistry(),
		SyncProviders:   directory.NewSynchronizationProviderRegistry(),
		ChangeListeners: directory.NewChangeListenerRegistry(),
		SchemaRegistry:  sr,
		Ancestors:       anc,
	}
	return env, backend, sr
}

func TestProcessSimpleRenameDeleteOldRDN(t *testing.T) {
	env, backend, sr := setupEnv(t)
	entryDN := "cn=alice,dc=example,dc=com"
	backend.entries[mustNorm(t, sr, entryDN)] = testEntry(t, sr, entryDN)

	sm := New(env, lock.NewCoordinator())
	dn, _ := schema.ParseDN(sr, entryDN)
	opCtx := &opctx.OperationContext{
		EntryDN:      dn,
		NewRDN:       "cn=allie",
		DeleteOldRDN: true,
	}

	outcome := sm.Process(context.Background(), opCtx)
	if outcome.Kind != opctx.OutcomeContinue {
		t.Fatalf("expected Continue outcome, got %+v", outcome)
	}
	if opCtx.ResultCode != util.Success {
		t.Fatalf("expected SUCCESS, got %v: %s", opCtx.ResultCode, opCtx.ErrorMessage)
	}

	newDN, _ := schema.ParseDN(sr, "cn=allie,dc=example,dc=com")
	renamed, ok := backend.entries[newDN.DNNormStr()]
	if !ok {
		t.Fatal("expected renamed entry in backend")
	}
	cn, _ := renamed.GetAttribute("cn")
	if len(cn.Values()) != 1 || cn.Values()[0] != "allie" {
		t.Errorf("expected cn=[allie], got %v", cn.Values())
	}
}

func TestProcessNoSuchObject(t *testing.T) {
	env, _, sr := setupEnv(t)
	sm := New(env, lock.NewCoordinator())
	dn, _ := schema.ParseDN(sr, "cn=ghost,dc=example,dc=com")
	opCtx := &opctx.OperationContext{EntryDN: dn, NewRDN: "cn=nobody"}

	outcome := sm.Process(context.Background(), opCtx)
	if outcome.Kind != opctx.OutcomeAbort || outcome.Code != util.NoSuchObject {
		t.Fatalf("expected NO_SUCH_OBJECT abort, got %+v", outcome)
	}
	if opCtx.MatchedDN == nil || !opCtx.MatchedDN.Equal(sr.SuffixDN) {
		t.Errorf("expected matchedDN to resolve to the suffix, got %v", opCtx.MatchedDN)
	}
}

type dualDirectory struct {
	main, other       *fakeBackend
	mainSfx, otherSfx *schema.DN
}

func (d *dualDirectory) GetBackend(dn *schema.DN) (directory.Backend, bool) {
	if dn.IsSubOf(d.mainSfx) || dn.Equal(d.mainSfx) {
		return d.main, true
	}
	if dn.IsSubOf(d.otherSfx) || dn.Equal(d.otherSfx) {
		return d.other, true
	}
	return nil, false
}

func (d *dualDirectory) EntryExists(ctx context.Context, dn *schema.DN) bool {
	_, ok := d.main.entries[dn.DNNormStr()]
	return ok || dn.Equal(d.mainSfx)
}

func (d *dualDirectory) GetWritabilityMode() directory.WritabilityMode {
	return directory.WritabilityEnabled
}
func (d *dualDirectory) CheckSchema() bool { return true }

func TestProcessRejectsCrossBackendMove(t *testing.T) {
	env, backend, sr := setupEnv(t)
	entryDN := "cn=alice,dc=example,dc=com"
	backend.entries[mustNorm(t, sr, entryDN)] = testEntry(t, sr, entryDN)

	otherSfx, err := schema.ParseDN(sr, "dc=other,dc=com")
	if err != nil {
		t.Fatalf("ParseDN: %v", err)
	}
	env.Directory = &dualDirectory{
		main:     backend,
		other:    &fakeBackend{entries: make(map[string]*schema.Entry)},
		mainSfx:  sr.SuffixDN,
		otherSfx: otherSfx,
	}

	sm := New(env, lock.NewCoordinator())
	dn, _ := schema.ParseDN(sr, entryDN)
	opCtx := &opctx.OperationContext{
		EntryDN:     dn,
		NewRDN:      "cn=allie",
		NewSuperior: otherSfx,
	}

	outcome := sm.Process(context.Background(), opCtx)
	if outcome.Kind != opctx.OutcomeAbort || outcome.Code != util.UnwillingToPerform {
		t.Fatalf("expected UNWILLING_TO_PERFORM for a cross-backend move, got %+v", outcome)
	}
	if len(backend.renamed) != 0 {
		t.Error("expected no rename for a cross-backend move")
	}
}

type cancellingPlugin struct {
	postCalled *bool
}

func (p *cancellingPlugin) PreOperationModifyDN(ctx *opctx.OperationContext) opctx.Directive {
	ctx.RequestCancel()
	return opctx.DirectiveContinue
}

func (p *cancellingPlugin) PostOperationModifyDN(ctx *opctx.OperationContext) opctx.Directive {
	*p.postCalled = true
	return opctx.DirectiveContinue
}

func TestProcessCancellationBeforeCommit(t *testing.T) {
	env, backend, sr := setupEnv(t)
	entryDN := "cn=alice,dc=example,dc=com"
	backend.entries[mustNorm(t, sr, entryDN)] = testEntry(t, sr, entryDN)

	postCalled := false
	env.Plugins.Register("canceller", &cancellingPlugin{postCalled: &postCalled})

	locks := lock.NewCoordinator()
	sm := New(env, locks)
	dn, _ := schema.ParseDN(sr, entryDN)
	opCtx := &opctx.OperationContext{
		EntryDN:      dn,
		NewRDN:       "cn=allie",
		DeleteOldRDN: true,
	}

	outcome := sm.Process(context.Background(), opCtx)
	if outcome.Kind != opctx.OutcomeCancelled {
		t.Fatalf("expected Cancelled outcome, got %+v", outcome)
	}
	if opCtx.ResultCode != util.Canceled {
		t.Errorf("expected CANCELED result code, got %v", opCtx.ResultCode)
	}
	if opCtx.CancelResult() != opctx.CancelCancelled {
		t.Errorf("expected cancel result to stay Cancelled, got %v", opCtx.CancelResult())
	}
	if len(backend.renamed) != 0 {
		t.Error("expected no rename for a cancelled operation")
	}
	if postCalled {
		t.Error("expected post-op plugins to be skipped on cancellation")
	}

	// Both locks must have been released on the cancelled exit path.
	newDN, _ := schema.ParseDN(sr, "cn=allie,dc=example,dc=com")
	pair, ok := locks.AcquirePair(dn, newDN, 1)
	if !ok {
		t.Fatal("expected both locks to be free after cancellation")
	}
	pair.Release(locks)
}

func TestProcessAssertionFailure(t *testing.T) {
	env, backend, sr := setupEnv(t)
	entryDN := "cn=bob,dc=example,dc=com"
	entry := testEntry(t, sr, entryDN)
	cn, _ := schema.NewAttribute(sr, "cn", []string{"bob"})
	entry.PutAttribute(cn)
	backend.entries[mustNorm(t, sr, entryDN)] = entry

	sm := New(env, lock.NewCoordinator())
	dn, _ := schema.ParseDN(sr, entryDN)
	opCtx := &opctx.OperationContext{
		EntryDN: dn,
		NewRDN:  "cn=robert",
		RequestControls: []*opctx.Control{
			{OID: "1.3.6.1.1.12", Payload: []byte("(cn=carol)")},
		},
	}

	outcome := sm.Process(context.Background(), opCtx)
	if outcome.Kind != opctx.OutcomeAbort || outcome.Code != util.AssertionFailed {
		t.Fatalf("expected ASSERTION_FAILED, got %+v", outcome)
	}
	if len(backend.renamed) != 0 {
		t.Error("expected no rename to have occurred")
	}
}

func TestProcessNoOpControl(t *testing.T) {
	env, backend, sr := setupEnv(t)
	entryDN := "cn=alice,dc=example,dc=com"
	backend.entries[mustNorm(t, sr, entryDN)] = testEntry(t, sr, entryDN)

	sm := New(env, lock.NewCoordinator())
	dn, _ := schema.ParseDN(sr, entryDN)
	opCtx := &opctx.OperationContext{
		EntryDN: dn,
		NewRDN:  "cn=allie",
		RequestControls: []*opctx.Control{
			{OID: "1.3.6.1.4.1.4203.1.10.2"},
		},
	}

	outcome := sm.Process(context.Background(), opCtx)
	if outcome.Kind != opctx.OutcomeContinue {
		t.Fatalf("expected Continue outcome, got %+v", outcome)
	}
	if opCtx.ResultCode != util.NoOperation {
		t.Fatalf("expected NO_OPERATION, got %v", opCtx.ResultCode)
	}
	if len(backend.renamed) != 0 {
		t.Error("expected no rename for a no-op request")
	}
}

func mustNorm(t *testing.T, sr *schema.SchemaRegistry, dnStr string) string {
	t.Helper()
	dn, err := schema.ParseDN(sr, dnStr)
	if err != nil {
		t.Fatalf("ParseDN(%q): %v", dnStr, err)
	}
	return dn.DNNormStr()
}
