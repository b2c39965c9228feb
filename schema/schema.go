package schema

import (
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"

	"github.com/cloudldap/dnmove/util"
)

// SchemaConfig is the small, caller-supplied configuration bundle a
// SchemaRegistry is built from.
type SchemaConfig struct {
	Suffix string
	RootDN string
}

// SchemaRegistry holds the compiled attribute types and object classes
// the pipeline validates entries against. Compiling schema definition
// text (as OpenLDAP .schema files) is not this module's job; callers
// populate a SchemaRegistry programmatically via
// PutAttributeType/PutObjectClass.
type SchemaRegistry struct {
	Config         *SchemaConfig
	ObjectClasses  map[string]*ObjectClass
	AttributeTypes map[string]*AttributeType
	SuffixDN       *DN
	RootDN         *DN
}

func NewSchemaRegistry(config *SchemaConfig) *SchemaRegistry {
	return &SchemaRegistry{
		Config:         config,
		ObjectClasses:  map[string]*ObjectClass{},
		AttributeTypes: map[string]*AttributeType{},
	}
}

// Init resolves inherited matching rules and normalizes the
// configured suffix/root DN, once every attribute type and object
// class has been registered.
func (s *SchemaRegistry) Init() error {
	if err := s.resolve(); err != nil {
		return err
	}

	var err error
	s.SuffixDN, err = s.NormalizeDN(s.Config.Suffix)
	if err != nil {
		return fmt.Errorf("invalid suffix %q: %w", s.Config.Suffix, err)
	}
	s.RootDN, err = s.NormalizeDN(s.Config.RootDN)
	if err != nil {
		return fmt.Errorf("invalid root DN %q: %w", s.Config.RootDN, err)
	}
	return nil
}

func (s *SchemaRegistry) NormalizeDN(dn string) (*DN, error) {
	return NormalizeDN(s, dn)
}

func (s *SchemaRegistry) ObjectClass(k string) (*ObjectClass, bool) {
	oc, ok := s.ObjectClasses[strings.ToLower(k)]
	return oc, ok
}

func (s *SchemaRegistry) PutObjectClass(k string, objectClass *ObjectClass) {
	objectClass.schemaDef = s
	s.ObjectClasses[strings.ToLower(k)] = objectClass
}

func (s *SchemaRegistry) AttributeType(k string) (*AttributeType, bool) {
	at, ok := s.AttributeTypes[strings.ToLower(k)]
	return at, ok
}

func (s *SchemaRegistry) PutAttributeType(k string, attributeType *AttributeType) {
	attributeType.schemaDef = s
	s.AttributeTypes[strings.ToLower(k)] = attributeType
}

// ValidateObjectClass checks the held objectClass chain is structurally
// valid and that every attribute the entry carries is permitted by
// some held objectClass.
func (s *SchemaRegistry) ValidateObjectClass(ocs []string, attrNames []string, attrs map[string]*Attribute) *util.LDAPError {
	stoc := []*ObjectClass{}
	for _, v := range ocs {
		oc, ok := s.ObjectClass(v)
		if !ok {
			log.Printf("error: not found objectClass: %s", v)
			return util.NewObjectClassViolation(fmt.Sprintf("unrecognized objectClass: %s", v))
		}
		if oc.Structural {
			stoc = append(stoc, oc)
		}
		for _, mv := range oc.Must() {
			if _, ok := attrHeld(attrNames, mv); !ok {
				return util.NewObjectClassViolation(fmt.Sprintf("object class %q requires attribute %q", oc.Name, mv))
			}
		}
	}
	if len(stoc) == 0 {
		return util.NewObjectClassViolation("entry has no structural objectClass")
	}

	sortObjectClasses(s, stoc)
	if err := verifyChainedObjectClasses(s, stoc); err != nil {
		return err
	}

	for _, a := range attrs {
		k := a.Name()
		if k == "objectclass" {
			continue
		}
		if a.IsNoUserModification() {
			continue
		}
		if a.Type().IsReverseAssociationAttribute() {
			continue
		}
		contains := false
		for _, v := range ocs {
			oc, ok := s.ObjectClass(v)
			if !ok {
				return util.NewObjectClassViolation(fmt.Sprintf("unrecognized objectClass: %s", v))
			}
			if oc.Contains(k) {
				contains = true
				break
			}
		}
		if !contains {
			return util.NewObjectClassViolation(fmt.Sprintf("attribute %q not allowed by any held objectClass", k))
		}
	}

	return nil
}

func attrHeld(attrNames []string, want string) (string, bool) {
	for _, n := range attrNames {
		if strings.EqualFold(n, want) {
			return n, true
		}
	}
	return "", false
}

func (s *SchemaRegistry) resolve() error {
	for _, v := range s.AttributeTypes {
		vv := reflect.ValueOf(v)

		for _, f := range []string{"Equality", "Ordering", "Substr"} {
			field := vv.Elem().FieldByName(f)
			val := field.Interface().(string)

			if val == "" {
				cur := v
				var parent *AttributeType
				for {
					if cur.Sup == "" {
						break
					}
					var ok bool
					parent, ok = s.AttributeType(cur.Sup)
					if !ok {
						return fmt.Errorf("not found '%s' in schema", cur.Sup)
					}

					pval := reflect.ValueOf(parent).Elem().FieldByName(f).Interface().(string)
					if pval != "" {
						field.SetString(pval)
						break
					}
					cur = parent
				}
			}
		}
	}
	return nil
}

// AttributeType is one attribute's schema definition: its matching
// rules (used for normalization/equality), syntax, and constraints.
type AttributeType struct {
	schemaDef          *SchemaRegistry
	Name               string
	Oid                string
	Equality           string
	Ordering           string
	Substr             string
	Syntax             string
	Sup                string
	Usage              string
	SingleValue        bool
	NoUserModification bool
	Obsolete           bool
}

func (a *AttributeType) Schema() *SchemaRegistry {
	return a.schemaDef
}

func (s *AttributeType) IsObjectClass() bool {
	return s.Name == "objectClass"
}

func (s *AttributeType) IsCaseIgnore() bool {
	return strings.HasPrefix(s.Equality, "caseIgnore") || s.Equality == "objectIdentifierMatch"
}

func (s *AttributeType) IsOperationalAttribute() bool {
	return s.Usage == "directoryOperation" || s.Usage == "dSAOperation" || s.Usage == "distributedOperation"
}

func (s *AttributeType) IsAssociationAttribute() bool {
	return s.Name == "member" || s.Name == "uniqueMember"
}

func (s *AttributeType) IsReverseAssociationAttribute() bool {
	return s.Name == "memberOf"
}

func (s *AttributeType) IsNanoFormat() bool {
	return s.Name == "pwdFailureTime"
}

// ObjectClass is one objectClass's schema definition.
type ObjectClass struct {
	schemaDef  *SchemaRegistry
	Name       string
	Oid        string
	Sup        string
	Structural bool
	Abstract   bool
	Auxiliary  bool
	MustAttrs  []string
	MayAttrs   []string
}

func (o *ObjectClass) Must() []string {
	m := append([]string{}, o.MustAttrs...)
	if p, ok := o.schemaDef.ObjectClass(o.Sup); ok {
		m = append(m, p.Must()...)
	}
	return m
}

func (o *ObjectClass) May() []string {
	m := append([]string{}, o.MayAttrs...)
	if p, ok := o.schemaDef.ObjectClass(o.Sup); ok {
		m = append(m, p.May()...)
	}
	return m
}

func (o *ObjectClass) Contains(a string) bool {
	for _, v := range o.Must() {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	for _, v := range o.May() {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func sortObjectClasses(s *SchemaRegistry, objectClasses []*ObjectClass) {
	sort.Slice(objectClasses, func(i, j int) bool {
		sup := objectClasses[i].Sup
		for {
			if sup == "" {
				return false
			}
			oc, ok := s.ObjectClass(sup)
			if !ok {
				return false
			}
			if oc.Name == objectClasses[j].Name {
				return true
			}
			sup = oc.Sup
		}
	})
}

func verifyChainedObjectClasses(s *SchemaRegistry, objectClasses []*ObjectClass) *util.LDAPError {
	for i := range objectClasses {
		if i > 0 {
			prev := objectClasses[i-1]
			cur := objectClasses[i]

			sup := prev.Sup
			for {
				if sup == "" {
					return util.NewObjectClassViolation(fmt.Sprintf(
						"invalid structural object class chain (%s/%s)", objectClasses[0].Name, cur.Name))
				}
				supOC, ok := s.ObjectClass(sup)
				if !ok {
					break
				}
				if supOC.Name == cur.Name {
					break
				}
				sup = supOC.Sup
			}
		}
	}
	return nil
}

func toNormStr(norm interface{}) string {
	switch v := norm.(type) {
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	case *DN:
		return v.DNNormStr()
	default:
		log.Printf("error: unexpected type for converting norm. type: %T, value: %v", v, v)
		return ""
	}
}
