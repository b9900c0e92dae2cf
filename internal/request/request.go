// Package request defines the Tethering Request value (spec.md §3, §4.1):
// an immutable description of a tethering intent, compared for equality
// ignoring caller identity.
package request

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tethercore/tetherd/internal/parcel"
)

// Request is an immutable tethering intent. Two requests are
// equal-modulo-identity iff every field except UID/PackageName matches
// (spec.md §3).
type Request struct {
	Type                    parcel.TetheringType
	Scope                   parcel.ConnectivityScope
	SoftApConfig            *parcel.SoftApConfiguration
	InterfaceName           string
	ExemptFromEntitlement   bool
	ShowEntitlementUI       bool
	RequestType             parcel.RequestType
	UID                     int
	PackageName             string
}

// New constructs a Request from parsed caller parameters. Validation of the
// caller's permission/identity happens above this layer (C10); New never
// fails.
func New(t parcel.TetheringType, scope parcel.ConnectivityScope, uid int, pkg string) Request {
	return Request{
		Type:        t,
		Scope:       scope,
		RequestType: parcel.RequestExplicit,
		UID:         uid,
		PackageName: pkg,
	}
}

// Placeholder synthesizes the placeholder request used when IP serving
// must start but no real request exists yet (spec.md glossary "Placeholder
// request"). It carries only a type and default (global) scope, and is
// never considered equal-modulo-identity to an explicit request because
// RequestType participates in the comparison.
func Placeholder(t parcel.TetheringType) Request {
	return Request{
		Type:        t,
		Scope:       parcel.ScopeGlobal,
		RequestType: parcel.RequestPlaceholder,
	}
}

// IsPlaceholder reports whether r was synthesized by Placeholder.
func (r Request) IsPlaceholder() bool {
	return r.RequestType == parcel.RequestPlaceholder
}

// identityIgnoringOpts drops the two fields that identify the caller
// (UID, PackageName) from comparison, matching spec.md §3's definition of
// equal-modulo-identity.
var identityIgnoringOpts = cmp.Options{
	cmpopts.IgnoreFields(Request{}, "UID", "PackageName"),
}

// EqualModuloIdentity reports whether r and other agree on every field
// except UID and PackageName.
func (r Request) EqualModuloIdentity(other Request) bool {
	return cmp.Equal(r, other, identityIgnoringOpts)
}

// FuzzyMatches implements the "fuzzy match" relation from spec.md's
// glossary and §4.2 findFuzzyServing: same type, optionally same UID, and
// if req carries a soft-AP configuration, a matching one on r.
func (r Request) FuzzyMatches(other Request, requireUIDMatch bool) bool {
	if r.Type != other.Type {
		return false
	}
	if requireUIDMatch && r.UID != other.UID {
		return false
	}
	if other.SoftApConfig != nil {
		if r.SoftApConfig == nil || *r.SoftApConfig != *other.SoftApConfig {
			return false
		}
	}
	return true
}

// ToParcel renders r as the stable TetheringInterface parcel (spec.md §6).
func (r Request) ToParcel() parcel.TetheringInterface {
	return parcel.TetheringInterface{
		Type:          r.Type,
		InterfaceName: r.InterfaceName,
		SoftApConfig:  r.SoftApConfig,
		UID:           r.UID,
	}
}
