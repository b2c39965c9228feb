// Package auth carries the caller's identity through the pipeline:
// which DN authenticated the connection, what group DNs it belongs to,
// and whether it is the root/administrative identity. Session state
// rides on context.Context rather than a connection handle, since
// connection management lives outside this module.
package auth

import (
	"context"

	"github.com/cloudldap/dnmove/schema"
	"golang.org/x/xerrors"
)

type contextKey string

const authContextKey contextKey = "auth"

// Session is the authenticated caller's identity, as the pipeline's
// access-control and privilege checks need it.
type Session struct {
	DN     *schema.DN
	Groups []*schema.DN
	IsRoot bool
}

// UserDNStr returns the caller's DN rendered without the naming
// context's suffix.
func (s *Session) UserDNStr(sr *schema.SchemaRegistry) string {
	if s == nil || s.DN == nil {
		return ""
	}
	return s.DN.DNOrigEncodedStrWithoutSuffix(sr.SuffixDN)
}

// HasGroup reports whether the session is a member of the given group
// DN, used by directory.AccessControlHandler.HasPrivilege.
func (s *Session) HasGroup(group *schema.DN) bool {
	if s == nil {
		return false
	}
	for _, g := range s.Groups {
		if g.Equal(group) {
			return true
		}
	}
	return false
}

// WithSession attaches the caller's session to ctx alongside a fresh
// per-request schema.DNCache.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(context.WithValue(ctx, authContextKey, s), schema.DNCacheContextKey, schema.NewDnCache())
}

// FromContext retrieves the session WithSession attached.
func FromContext(ctx context.Context) (*Session, error) {
	v := ctx.Value(authContextKey)
	s, ok := v.(*Session)
	if !ok {
		return nil, xerrors.Errorf("no auth session in the context")
	}
	return s, nil
}
