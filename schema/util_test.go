package schema

import (
	"testing"
)

// testSchemaRegistry builds a small fixture registry covering the
// attribute types and object classes the tests below exercise,
// registering definitions directly the way production wiring does.
func testSchemaRegistry(t *testing.T) *SchemaRegistry {
	t.Helper()

	sr := NewSchemaRegistry(&SchemaConfig{
		Suffix: "dc=example,dc=com",
		RootDN: "cn=admin,dc=example,dc=com",
	})

	for _, at := range []*AttributeType{
		{Name: "objectclass", Equality: "objectIdentifierMatch"},
		{Name: "cn", Equality: "caseIgnoreMatch"},
		{Name: "sn", Equality: "caseIgnoreMatch"},
		{Name: "vendorname", Equality: "caseExactMatch"},
		{Name: "dc", Equality: "caseIgnoreMatch"},
		{Name: "uid", Equality: "caseIgnoreMatch"},
		{Name: "mail", Equality: "caseIgnoreMatch"},
		{Name: "uidnumber", Equality: "integerMatch"},
		{Name: "memberof", Equality: "distinguishedNameMatch", Usage: "directoryOperation"},
		{Name: "uniquemember", Equality: "uniqueMemberMatch"},
	} {
		sr.PutAttributeType(at.Name, at)
	}

	sr.PutObjectClass("top", &ObjectClass{Name: "top", Structural: false, Abstract: true, MustAttrs: []string{"objectClass"}})
	sr.PutObjectClass("person", &ObjectClass{Name: "person", Sup: "top", Structural: true, MustAttrs: []string{"cn", "sn"}})
	sr.PutObjectClass("organizationalPerson", &ObjectClass{Name: "organizationalPerson", Sup: "person", Structural: true})
	sr.PutObjectClass("inetOrgPerson", &ObjectClass{Name: "inetOrgPerson", Sup: "organizationalPerson", Structural: true, MayAttrs: []string{"mail", "vendorName"}})
	sr.PutObjectClass("groupOfUniqueNames", &ObjectClass{Name: "groupOfUniqueNames", Sup: "top", Structural: true, MustAttrs: []string{"uniqueMember"}})
	sr.PutObjectClass("posixAccount", &ObjectClass{Name: "posixAccount", Sup: "top", Structural: true, MustAttrs: []string{"uidNumber"}})
	sr.PutObjectClass("systemQuotas", &ObjectClass{Name: "systemQuotas", Sup: "top", Structural: true})

	if err := sr.Init(); err != nil {
		t.Fatalf("failed to init fixture schema: %v", err)
	}
	return sr
}

func TestNormalize(t *testing.T) {
	testcases := []struct {
		Name     string
		Value    string
		Expected string
	}{
		{"cn", "abc", "abc"},
		{"cn", "aBc", "abc"},
		{"cn", "  a  B c  ", "a b c"},
		{"vendorName", "foobar", "foobar"},
		{"vendorName", "  f oo  Bar  ", "f oo Bar"},
	}

	sr := testSchemaRegistry(t)

	for i, tc := range testcases {
		s, ok := sr.AttributeType(tc.Name)
		if !ok {
			t.Errorf("case %d: no schema for %s", i, tc.Name)
			continue
		}
		v, err := normalize(s, tc.Value, 0)
		if err != nil {
			t.Errorf("case %d: unexpected error normalizing %q: %v", i, tc.Value, err)
			continue
		}
		if v != tc.Expected {
			t.Errorf("case %d: %q -> %q expected, got %q", i, tc.Value, tc.Expected, v)
		}
	}
}

func TestSortObjectClassesAndVerifyChain(t *testing.T) {
	testcases := []struct {
		ObjectClasses    []string
		Expected         []string
		ExpectChainError bool
	}{
		{
			[]string{"person"},
			[]string{"person"},
			false,
		},
		{
			[]string{"person", "top", "inetOrgPerson", "organizationalPerson"},
			[]string{"inetOrgPerson", "organizationalPerson", "person", "top"},
			false,
		},
		{
			[]string{"groupOfUniqueNames", "inetOrgPerson"},
			[]string{"groupOfUniqueNames", "inetOrgPerson"},
			true,
		},
		{
			[]string{"person", "inetOrgPerson", "groupOfUniqueNames"},
			[]string{"inetOrgPerson", "person", "groupOfUniqueNames"},
			true,
		},
	}

	sr := testSchemaRegistry(t)

	for i, tc := range testcases {
		objectClasses := []*ObjectClass{}
		for _, v := range tc.ObjectClasses {
			if oc, ok := sr.ObjectClass(v); ok {
				objectClasses = append(objectClasses, oc)
			}
		}

		if len(tc.Expected) != len(objectClasses) {
			t.Errorf("case %d: expected %d object classes, got %d", i, len(tc.Expected), len(objectClasses))
			continue
		}

		sortObjectClasses(sr, objectClasses)

		for j, oc := range objectClasses {
			if tc.Expected[j] != oc.Name {
				t.Errorf("case %d: expected %s at position %d, got %s", i, tc.Expected[j], j, oc.Name)
			}
		}

		err := verifyChainedObjectClasses(sr, objectClasses)
		if tc.ExpectChainError && err == nil {
			t.Errorf("case %d: expected a chain verification error, got nil", i)
		}
		if !tc.ExpectChainError && err != nil {
			t.Errorf("case %d: unexpected chain verification error: %v", i, err)
		}
	}
}

func TestParseDNRoundTrip(t *testing.T) {
	sr := testSchemaRegistry(t)

	dn, err := ParseDN(sr, "cn=Foo Bar,dc=example,dc=com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := dn.DNNormStr(), "cn=foo bar,dc=example,dc=com"; got != want {
		t.Errorf("DNNormStr() = %q, want %q", got, want)
	}
	if got, want := dn.DNOrigStr(), "cn=Foo Bar,dc=example,dc=com"; got != want {
		t.Errorf("DNOrigStr() = %q, want %q", got, want)
	}
	if !dn.IsSubOf(sr.SuffixDN) {
		t.Errorf("expected %s to be a descendant of the suffix", dn.DNNormStr())
	}
}
