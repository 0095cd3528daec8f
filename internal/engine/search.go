package engine

import (
	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// SearchScope mirrors RFC 4511 §4.5.1's scope enumeration.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

// DerefAliases mirrors RFC 4511 §4.5.1's derefAliases enumeration.
type DerefAliases int

const (
	NeverDerefAliases DerefAliases = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

// SearchRequest is the engine-level search request, after the filter
// string has already been compiled by the external filter collaborator
// (spec.md §1 OUT OF SCOPE: filter parsing/formatting).
type SearchRequest struct {
	BaseDN       string
	Scope        SearchScope
	DerefAliases DerefAliases
	SizeLimit    int
	TimeLimit    int // seconds, per spec.md §4.7 default 10
	TypesOnly    bool
	Filter       string
	FilterBER    *ber.Packet // pre-compiled filter, supplied by the filter library
	Attributes   []string
	Paged        *PagedControl // non-nil engages the Paged Search Driver
	PagePause    bool          // when Paged != nil, stop the iterator at each page boundary
	Controls     []ldap.Control
}

// DefaultSearchRequest returns a request with spec.md §4.7's stated
// defaults: scope base, filter (objectClass=*), derefAliases never,
// sizeLimit 0, timeLimit 10, typesOnly false, attributes [].
func DefaultSearchRequest(baseDN string) *SearchRequest {
	return &SearchRequest{
		BaseDN:       baseDN,
		Scope:        ScopeBaseObject,
		DerefAliases: NeverDerefAliases,
		SizeLimit:    0,
		TimeLimit:    10,
		Filter:       "(objectClass=*)",
	}
}

// filterPacket returns the compiled filter, falling back to a literal
// presence filter on objectClass if the caller never compiled one — this
// keeps the engine usable from tests without pulling in a real filter
// compiler.
func (r *SearchRequest) filterPacket() *ber.Packet {
	if r.FilterBER != nil {
		return r.FilterBER
	}
	return ber.NewString(ber.ClassContext, ber.TypePrimitive, 7, "objectClass", "Present Filter")
}

// SearchEntry is one entry event delivered by the Search Result Stream.
type SearchEntry struct {
	DN         string
	Attributes []*ldap.EntryAttribute
}

// SearchReference is a continuation referral delivered by the stream.
type SearchReference struct {
	URIs []string
}

// PageResult is the metadata carried by a `page` event (spec.md §4.4).
type PageResult struct {
	Cookie  []byte
	Entries int
}

func decodeEntry(op *ber.Packet) *SearchEntry {
	entry := &SearchEntry{}
	if len(op.Children) > 0 {
		if dn, ok := op.Children[0].Value.(string); ok {
			entry.DN = dn
		}
	}
	if len(op.Children) > 1 {
		for _, attrPacket := range op.Children[1].Children {
			if len(attrPacket.Children) < 2 {
				continue
			}
			name, _ := attrPacket.Children[0].Value.(string)
			var values []string
			for _, v := range attrPacket.Children[1].Children {
				if s, ok := v.Value.(string); ok {
					values = append(values, s)
				}
			}
			entry.Attributes = append(entry.Attributes, &ldap.EntryAttribute{Name: name, Values: values})
		}
	}
	return entry
}

func decodeReference(op *ber.Packet) *SearchReference {
	ref := &SearchReference{}
	for _, c := range op.Children {
		if s, ok := c.Value.(string); ok {
			ref.URIs = append(ref.URIs, s)
		}
	}
	return ref
}
