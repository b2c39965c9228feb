package schema

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cloudldap/dnmove/util"
)

// Attribute is one named, possibly options-qualified, possibly
// multi-valued LDAP attribute. Values keep both their original spelling
// (what gets written back to the client/store) and their normalized
// form (what equality comparisons and rdn/diff logic use), the same
// orig/norm split DN values use in dn.go.
type Attribute struct {
	typ     *AttributeType
	options []string // e.g. "cn;lang-en" -> ["lang-en"], sorted
	values  []string
	norm    []string
	index   map[string]int // normValue -> index into values/norm
}

// NewAttribute builds an Attribute from a possibly options-qualified
// name (e.g. "cn;lang-en") and a set of original-case values, rejecting
// undefined attribute types and single-value constraint violations.
func NewAttribute(sr *SchemaRegistry, nameWithOptions string, values []string) (*Attribute, error) {
	base, options := splitOptions(nameWithOptions)

	at, ok := sr.AttributeType(base)
	if !ok {
		return nil, util.NewUndefinedAttributeType(base)
	}
	if at.SingleValue && len(values) > 1 {
		return nil, util.NewConstraintViolation(base + " is single-valued")
	}

	a := &Attribute{
		typ:     at,
		options: options,
		values:  make([]string, 0, len(values)),
		norm:    make([]string, 0, len(values)),
		index:   make(map[string]int, len(values)),
	}
	for _, v := range values {
		if err := a.appendValue(v); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func splitOptions(name string) (string, []string) {
	parts := strings.Split(name, ";")
	if len(parts) == 1 {
		return parts[0], nil
	}
	opts := append([]string{}, parts[1:]...)
	sort.Strings(opts)
	return parts[0], opts
}

func (a *Attribute) appendValue(v string) error {
	nv, err := normalize(a.typ, v, len(a.values))
	if err != nil {
		return err
	}
	ns := toNormStr(nv)
	if _, dup := a.index[ns]; dup {
		return util.NewConstraintViolation(a.Name() + ": value provided more than once")
	}
	a.index[ns] = len(a.values)
	a.values = append(a.values, v)
	a.norm = append(a.norm, ns)
	return nil
}

// Name is the base attribute type name as the schema defines it,
// without options.
func (a *Attribute) Name() string { return a.typ.Name }

// NameWithOptions is the full "type;opt1;opt2" spelling used as the
// Entry attribute key.
func (a *Attribute) NameWithOptions() string {
	if len(a.options) == 0 {
		return a.typ.Name
	}
	return a.typ.Name + ";" + strings.Join(a.options, ";")
}

func (a *Attribute) Type() *AttributeType { return a.typ }
func (a *Attribute) Options() []string    { return a.options }
func (a *Attribute) Values() []string     { return a.values }
func (a *Attribute) NormValues() []string { return a.norm }
func (a *Attribute) Len() int             { return len(a.values) }
func (a *Attribute) IsSingle() bool       { return a.typ.SingleValue }
func (a *Attribute) IsNoUserModification() bool {
	return a.typ.NoUserModification
}

func (a *Attribute) Contains(normValue string) bool {
	_, ok := a.index[normValue]
	return ok
}

func (a *Attribute) sameOptions(o *Attribute) bool {
	if len(a.options) != len(o.options) {
		return false
	}
	for i := range a.options {
		if a.options[i] != o.options[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, used by Entry.Duplicate(deep).
func (a *Attribute) Clone() *Attribute {
	c := &Attribute{
		typ:     a.typ,
		options: append([]string{}, a.options...),
		values:  append([]string{}, a.values...),
		norm:    append([]string{}, a.norm...),
		index:   make(map[string]int, len(a.index)),
	}
	for k, v := range a.index {
		c.index[k] = v
	}
	return c
}

// merge applies o's values as an ADD, returning the subset that were
// already present (duplicates), which is an AttributeOrValueExists
// condition the caller may choose to tolerate.
func (a *Attribute) merge(o *Attribute) (duplicates []string, err error) {
	if a.typ.SingleValue && len(a.values)+len(o.values) > 1 {
		return nil, util.NewConstraintViolation(a.Name() + " is single-valued")
	}
	for i, nv := range o.norm {
		if _, ok := a.index[nv]; ok {
			duplicates = append(duplicates, o.values[i])
			continue
		}
		a.index[nv] = len(a.values)
		a.values = append(a.values, o.values[i])
		a.norm = append(a.norm, nv)
	}
	return duplicates, nil
}

// subtract removes o's values from a, returning the subset that were
// not present (missing).
func (a *Attribute) subtract(o *Attribute) (missing []string, err error) {
	if len(o.values) == 0 {
		// Deleting the whole attribute: caller (Entry.RemoveAttribute)
		// handles this by dropping the variant outright.
		return nil, nil
	}
	drop := make(map[string]struct{}, len(o.norm))
	for i, nv := range o.norm {
		if _, ok := a.index[nv]; !ok {
			missing = append(missing, o.values[i])
			continue
		}
		drop[nv] = struct{}{}
	}

	newValues := make([]string, 0, len(a.values))
	newNorm := make([]string, 0, len(a.norm))
	newIndex := make(map[string]int, len(a.values))
	for i, nv := range a.norm {
		if _, ok := drop[nv]; ok {
			continue
		}
		newIndex[nv] = len(newValues)
		newValues = append(newValues, a.values[i])
		newNorm = append(newNorm, nv)
	}
	a.values, a.norm, a.index = newValues, newNorm, newIndex
	return missing, nil
}

// Entry is the mutable in-memory representation of a directory entry
// the Modify-DN pipeline reads, rewrites and hands to the backend.
// Attributes are keyed by NameWithOptions so "cn" and "cn;lang-en"
// coexist as distinct variants.
type Entry struct {
	DN    *DN
	Attrs map[string]*Attribute
}

func NewEntry(dn *DN) *Entry {
	return &Entry{DN: dn, Attrs: map[string]*Attribute{}}
}

// Duplicate returns a copy of the entry. With deep=true every
// Attribute is cloned too, which is what the pipeline needs for the
// candidate entry that the RDN rewrite and pre-operation plugins
// mutate, and for the read-entry response snapshots; with deep=false
// the copy shares its Attribute values with the receiver.
func (e *Entry) Duplicate(deep bool) *Entry {
	c := &Entry{DN: e.DN, Attrs: make(map[string]*Attribute, len(e.Attrs))}
	for k, a := range e.Attrs {
		if deep {
			c.Attrs[k] = a.Clone()
		} else {
			c.Attrs[k] = a
		}
	}
	return c
}

func (e *Entry) SetDN(dn *DN) {
	e.DN = dn
}

func (e *Entry) GetAttribute(nameWithOptions string) (*Attribute, bool) {
	base, opts := splitOptions(nameWithOptions)
	key := base
	if len(opts) > 0 {
		key = base + ";" + strings.Join(opts, ";")
	}
	a, ok := e.Attrs[strings.ToLower(key)]
	return a, ok
}

// PutAttribute replaces (or inserts) the attribute variant matching a's
// type and options wholesale, the REPLACE modification semantics.
func (e *Entry) PutAttribute(a *Attribute) {
	if a.Len() == 0 {
		delete(e.Attrs, e.key(a))
		return
	}
	e.Attrs[e.key(a)] = a
}

// AddAttribute implements ADD modification semantics: merge into the
// existing variant if present, else create it. Returns any values that
// were already present; the caller decides whether that is an error.
func (e *Entry) AddAttribute(a *Attribute) ([]string, error) {
	key := e.key(a)
	existing, ok := e.Attrs[key]
	if !ok {
		e.Attrs[key] = a
		return nil, nil
	}
	dup, err := existing.merge(a)
	if err != nil {
		return nil, err
	}
	return dup, nil
}

// RemoveAttribute implements DELETE modification semantics: remove the
// given values from the matching variant (or the whole variant when a
// carries no values), returning any values that were not present.
func (e *Entry) RemoveAttribute(a *Attribute) ([]string, error) {
	key := e.key(a)
	existing, ok := e.Attrs[key]
	if !ok {
		if a.Len() == 0 {
			return nil, util.NewNoSuchAttribute(a.Name())
		}
		return a.Values(), nil
	}
	if a.Len() == 0 {
		delete(e.Attrs, key)
		return nil, nil
	}
	missing, err := existing.subtract(a)
	if err != nil {
		return nil, err
	}
	if existing.Len() == 0 {
		delete(e.Attrs, key)
	}
	return missing, nil
}

func (e *Entry) key(a *Attribute) string {
	return strings.ToLower(a.NameWithOptions())
}

// ObjectClasses returns the entry's normalized objectClass values.
func (e *Entry) ObjectClasses() []string {
	oc, ok := e.Attrs["objectclass"]
	if !ok {
		return nil
	}
	return oc.NormValues()
}

// UserAttributes returns the subset of attributes whose type is not
// marked operational/NO-USER-MODIFICATION in the schema.
func (e *Entry) UserAttributes() map[string]*Attribute {
	out := make(map[string]*Attribute)
	for k, a := range e.Attrs {
		if !a.Type().IsOperationalAttribute() && !a.IsNoUserModification() {
			out[k] = a
		}
	}
	return out
}

// OperationalAttributes returns the complement of UserAttributes.
func (e *Entry) OperationalAttributes() map[string]*Attribute {
	out := make(map[string]*Attribute)
	for k, a := range e.Attrs {
		if a.Type().IsOperationalAttribute() || a.IsNoUserModification() {
			out[k] = a
		}
	}
	return out
}

// ConformsToSchema validates the entry's objectClass chain and checks
// every present attribute is allowed by some held objectClass.
func (e *Entry) ConformsToSchema(sr *SchemaRegistry) (bool, string) {
	attrNames := make([]string, 0, len(e.Attrs))
	for _, a := range e.Attrs {
		attrNames = append(attrNames, a.Name())
	}
	if err := sr.ValidateObjectClass(e.ObjectClasses(), attrNames, e.Attrs); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// ModKind is the kind of change one Modification applies to an entry.
type ModKind int

const (
	ModAdd ModKind = iota
	ModDelete
	ModReplace
	ModIncrement
)

func (k ModKind) String() string {
	switch k {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	case ModIncrement:
		return "increment"
	default:
		return "unknown"
	}
}

// Modification is one entry in the delta the RDN rewriter (and any
// pre-operation plugin) produces against an Entry.
type Modification struct {
	Kind      ModKind
	Attribute *Attribute
}

// Apply runs one Modification against e. Duplicate-value ADDs and
// missing-value DELETEs are reported back as errors; a caller may
// choose to tolerate them instead (rdnrewrite's ApplyModifications
// does, for plugin-appended modifications).
func (m *Modification) Apply(e *Entry) error {
	switch m.Kind {
	case ModAdd:
		dup, err := e.AddAttribute(m.Attribute)
		if err != nil {
			return err
		}
		if len(dup) > 0 {
			return util.NewAttributeOrValueExists(m.Attribute.Name())
		}
		return nil
	case ModDelete:
		missing, err := e.RemoveAttribute(m.Attribute)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return util.NewNoSuchAttribute(m.Attribute.Name())
		}
		return nil
	case ModReplace:
		e.PutAttribute(m.Attribute)
		return nil
	case ModIncrement:
		return applyIncrement(e, m.Attribute)
	default:
		return util.NewOperationsError("unknown modification kind")
	}
}

// applyIncrement adds the delta attribute's sole value to the existing
// attribute's current integer value. The current operand is read from
// the entry's own attribute and the delta from the modification;
// mixing those two collections up silently turns every increment into
// a self-comparison.
func applyIncrement(e *Entry, delta *Attribute) error {
	existing, ok := e.GetAttribute(delta.NameWithOptions())
	if !ok {
		return util.NewNoSuchAttribute(delta.Name())
	}
	if delta.Len() != 1 {
		return util.NewConstraintViolation(delta.Name() + ": increment requires exactly one value")
	}
	if !existing.IsSingle() && existing.Len() != 1 {
		return util.NewConstraintViolation(delta.Name() + ": increment requires a single current value")
	}

	currentLongValue, err := strconv.ParseInt(existing.Values()[0], 10, 64)
	if err != nil {
		return util.NewConstraintViolation(delta.Name() + ": current value is not an integer")
	}
	incrementAmount, err := strconv.ParseInt(delta.Values()[0], 10, 64)
	if err != nil {
		return util.NewConstraintViolation(delta.Name() + ": increment amount is not an integer")
	}

	replacement, err := NewAttribute(existing.typ.schemaDef, existing.NameWithOptions(), []string{strconv.FormatInt(currentLongValue+incrementAmount, 10)})
	if err != nil {
		return err
	}
	e.PutAttribute(replacement)
	return nil
}
