package store

import (
	"testing"

	"github.com/cloudldap/dnmove/schema"
)

func testSR(t *testing.T) *schema.SchemaRegistry {
	t.Helper()
	sr := schema.NewSchemaRegistry(&schema.SchemaConfig{Suffix: "dc=example,dc=com", RootDN: "dc=example,dc=com"})
	sr.PutAttributeType("cn", &schema.AttributeType{Name: "cn", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("sn", &schema.AttributeType{Name: "sn", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("objectclass", &schema.AttributeType{Name: "objectclass", Equality: "caseIgnoreMatch"})
	sr.PutAttributeType("dc", &schema.AttributeType{Name: "dc", Equality: "caseIgnoreMatch"})
	if err := sr.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return sr
}

func TestMarshalAttrsRoundTrip(t *testing.T) {
	sr := testSR(t)
	dn, err := schema.ParseDN(sr, "cn=alice,dc=example,dc=com")
	if err != nil {
		t.Fatalf("ParseDN: %v", err)
	}
	e := schema.NewEntry(dn)
	for name, vals := range map[string][]string{
		"objectclass": {"top", "person"},
		"cn":          {"alice"},
		"sn":          {"anderson"},
	} {
		a, err := schema.NewAttribute(sr, name, vals)
		if err != nil {
			t.Fatalf("NewAttribute %s: %v", name, err)
		}
		e.PutAttribute(a)
	}

	jt, err := marshalAttrs(e)
	if err != nil {
		t.Fatalf("marshalAttrs: %v", err)
	}

	s := &Store{sr: sr}
	row := &dbEntry{DNOrig: dn.DNOrigStr(), DNNorm: dn.DNNormStr(), Attrs: jt}
	got, err := s.toEntry(row)
	if err != nil {
		t.Fatalf("toEntry: %v", err)
	}

	cn, ok := got.GetAttribute("cn")
	if !ok || len(cn.Values()) != 1 || cn.Values()[0] != "alice" {
		t.Errorf("expected cn=[alice], got %+v", cn)
	}
	oc, ok := got.GetAttribute("objectclass")
	if !ok || len(oc.Values()) != 2 {
		t.Errorf("expected 2 objectclass values, got %+v", oc)
	}
	if !got.DN.Equal(dn) {
		t.Errorf("expected round-tripped DN %s, got %s", dn.DNNormStr(), got.DN.DNNormStr())
	}
}

func TestToEntryRejectsUndefinedAttribute(t *testing.T) {
	sr := testSR(t)
	dn, err := schema.ParseDN(sr, "dc=example,dc=com")
	if err != nil {
		t.Fatalf("ParseDN: %v", err)
	}
	s := &Store{sr: sr}
	row := &dbEntry{DNOrig: dn.DNOrigStr(), DNNorm: dn.DNNormStr(), Attrs: []byte(`{"notDefined":["x"]}`)}

	if _, err := s.toEntry(row); err == nil {
		t.Fatal("expected an error decoding an attribute absent from the schema")
	}
}

func TestIsDeadlockAndDuplicateKeyErrorIgnoreNonPQErrors(t *testing.T) {
	plain := errCause("boom")
	if isDeadlockError(plain) {
		t.Error("expected a non-*pq.Error to never classify as a deadlock")
	}
	if isDuplicateKeyError(plain) {
		t.Error("expected a non-*pq.Error to never classify as a duplicate key violation")
	}
}

type errCause string

func (e errCause) Error() string { return string(e) }
