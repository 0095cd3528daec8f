package engine

import (
	"errors"
	"fmt"
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Application PDU tags, RFC 4511 §4.2-4.14. Mirrors go-ldap/v3's
// Application* constants; kept local since the codec boundary (spec.md §1)
// is this file, not go-ldap's Conn.
const (
	tagBindRequest           ber.Tag = 0
	tagBindResponse          ber.Tag = 1
	tagUnbindRequest         ber.Tag = 2
	tagSearchRequest         ber.Tag = 3
	tagSearchResultEntry     ber.Tag = 4
	tagSearchResultDone      ber.Tag = 5
	tagModifyRequest         ber.Tag = 6
	tagModifyResponse        ber.Tag = 7
	tagAddRequest            ber.Tag = 8
	tagAddResponse           ber.Tag = 9
	tagDelRequest            ber.Tag = 10
	tagDelResponse           ber.Tag = 11
	tagModifyDNRequest       ber.Tag = 12
	tagModifyDNResponse      ber.Tag = 13
	tagCompareRequest        ber.Tag = 14
	tagCompareResponse       ber.Tag = 15
	tagAbandonRequest        ber.Tag = 16
	tagSearchResultReference ber.Tag = 19
	tagExtendedRequest       ber.Tag = 23
	tagExtendedResponse      ber.Tag = 24
)

// ErrFraming signals that the byte stream could not be framed into a
// complete LDAPMessage; fatal to the connection per spec.md §4.3/§4.6.
var ErrFraming = errors.New("ldapcore: framing error reading LDAP message")

// Message is a parsed LDAPMessage envelope: a message ID, the application
// PDU, and any attached controls.
type Message struct {
	ID       int32
	Tag      ber.Tag
	Op       *ber.Packet
	Controls []ldap.Control
}

// ReadMessage implements the Parser Adapter (spec.md §4.3): it blocks on
// the reader until one full LDAPMessage is framed, using asn1-ber's own
// length-prefixed packet reader so this package never hand-rolls TLV
// framing.
func ReadMessage(r io.Reader) (*Message, error) {
	packet, err := ber.ReadPacket(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return decodeEnvelope(packet)
}

func decodeEnvelope(packet *ber.Packet) (*Message, error) {
	if len(packet.Children) < 2 {
		return nil, fmt.Errorf("%w: envelope has %d children, want >= 2", ErrFraming, len(packet.Children))
	}

	id, ok := packet.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%w: message ID child is not an integer", ErrFraming)
	}

	msg := &Message{
		ID:  int32(id),
		Tag: packet.Children[1].Tag,
		Op:  packet.Children[1],
	}

	if len(packet.Children) >= 3 {
		for _, child := range packet.Children[2].Children {
			ctrl, err := ldap.DecodeControl(child)
			if err != nil {
				return nil, fmt.Errorf("%w: decoding control: %v", ErrFraming, err)
			}
			msg.Controls = append(msg.Controls, ctrl)
		}
	}

	return msg, nil
}

// encodeEnvelope wraps an application PDU and optional controls in the
// standard LDAPMessage SEQUENCE { messageID, protocolOp, controls [0] }.
func encodeEnvelope(messageID int32, op *ber.Packet, controls []ldap.Control) *ber.Packet {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(messageID), "MessageID"))
	envelope.AppendChild(op)
	if len(controls) > 0 {
		controlsPacket := ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "Controls")
		for _, c := range controls {
			controlsPacket.AppendChild(c.Encode())
		}
		envelope.AppendChild(controlsPacket)
	}
	return envelope
}

// --- per-operation PDU builders -------------------------------------------

func encodeBindRequest(dn, password string) *ber.Packet {
	req := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagBindRequest, nil, "Bind Request")
	req.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(3), "Version"))
	req.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "Name"))
	req.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, password, "Password"))
	return req
}

func encodeUnbindRequest() *ber.Packet {
	return ber.Encode(ber.ClassApplication, ber.TypePrimitive, tagUnbindRequest, nil, "Unbind Request")
}

func encodeAbandonRequest(targetID int32) *ber.Packet {
	return ber.NewInteger(ber.ClassApplication, ber.TypePrimitive, tagAbandonRequest, int64(targetID), "Abandon Request")
}

func encodeAddRequest(dn string, attrs Attributes) *ber.Packet {
	req := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagAddRequest, nil, "Add Request")
	req.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "DN"))
	attrsPacket := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for name, values := range attrs {
		attrsPacket.AppendChild(encodeAttributeTypeValues(name, values))
	}
	req.AppendChild(attrsPacket)
	return req
}

func encodeAttributeTypeValues(name string, values []string) *ber.Packet {
	attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
	attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "Type"))
	valsPacket := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
	for _, v := range values {
		valsPacket.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "Value"))
	}
	attr.AppendChild(valsPacket)
	return attr
}

func encodeDelRequest(dn string) *ber.Packet {
	return ber.NewString(ber.ClassApplication, ber.TypePrimitive, tagDelRequest, dn, "Del Request")
}

func encodeCompareRequest(dn, attr, value string) *ber.Packet {
	req := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagCompareRequest, nil, "Compare Request")
	req.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "DN"))
	ava := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "AVA")
	ava.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr, "Attribute"))
	ava.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, value, "Value"))
	req.AppendChild(ava)
	return req
}

func encodeModifyRequest(dn string, changes []Change) *ber.Packet {
	req := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagModifyRequest, nil, "Modify Request")
	req.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "DN"))
	changesPacket := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Changes")
	for _, c := range changes {
		change := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Change")
		change.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(c.Operation), "Operation"))
		change.AppendChild(encodeAttributeTypeValues(c.Attribute, c.Values))
		changesPacket.AppendChild(change)
	}
	req.AppendChild(changesPacket)
	return req
}

func encodeModifyDNRequest(dn, newRDN, newSuperior string, deleteOldRDN bool) *ber.Packet {
	req := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagModifyDNRequest, nil, "Modify DN Request")
	req.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "DN"))
	req.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, newRDN, "NewRDN"))
	req.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, deleteOldRDN, "DeleteOldRDN"))
	if newSuperior != "" {
		req.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, newSuperior, "NewSuperior"))
	}
	return req
}

func encodeExtendedRequest(oid string, value []byte) *ber.Packet {
	req := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagExtendedRequest, nil, "Extended Request")
	req.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, oid, "RequestName"))
	if value != nil {
		req.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 1, string(value), "RequestValue"))
	}
	return req
}

func encodeSearchRequest(req *SearchRequest, controls []ldap.Control) *ber.Packet {
	pdu := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagSearchRequest, nil, "Search Request")
	pdu.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, req.BaseDN, "BaseDN"))
	pdu.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.Scope), "Scope"))
	pdu.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.DerefAliases), "DerefAliases"))
	pdu.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.SizeLimit), "SizeLimit"))
	pdu.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.TimeLimit), "TimeLimit"))
	pdu.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, req.TypesOnly, "TypesOnly"))
	// The filter itself is parsed/compiled by the external filter library
	// (spec.md §1 OUT OF SCOPE); req.FilterBER carries the compiled
	// *ber.Packet produced by that collaborator. The req.Filter string is
	// not encoded: when FilterBER is nil, filterPacket sends a presence
	// filter on objectClass.
	pdu.AppendChild(req.filterPacket())
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, a := range req.Attributes {
		attrs.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, a, "Attribute"))
	}
	pdu.AppendChild(attrs)
	return pdu
}

// GetLDAPError extracts a non-success LDAP result into a go-ldap *ldap.Error,
// the delegated error-catalogue collaborator (spec.md §1, §7).
func GetLDAPError(op *ber.Packet) error {
	if op == nil || len(op.Children) == 0 {
		return ldap.NewError(ldap.ErrorNetwork, errors.New("ldapcore: empty result PDU"))
	}
	code, ok := op.Children[0].Value.(int64)
	if !ok {
		return ldap.NewError(ldap.ErrorNetwork, errors.New("ldapcore: result code child is not an integer"))
	}
	resultCode := uint16(code)
	if resultCode == ldap.LDAPResultSuccess ||
		resultCode == ldap.LDAPResultCompareTrue ||
		resultCode == ldap.LDAPResultCompareFalse {
		return nil
	}

	var matchedDN, diagnostic string
	if len(op.Children) > 1 {
		if s, ok := op.Children[1].Value.(string); ok {
			matchedDN = s
		}
	}
	if len(op.Children) > 2 {
		if s, ok := op.Children[2].Value.(string); ok {
			diagnostic = s
		}
	}

	err := ldap.NewError(resultCode, errors.New(diagnostic))
	if ldapErr, ok := err.(*ldap.Error); ok {
		ldapErr.MatchedDN = matchedDN
	}
	return err
}

// ResultCode reads the result code out of a response PDU without
// constructing an error, used by Compare's (matched bool) contract.
func ResultCode(op *ber.Packet) (uint16, error) {
	if op == nil || len(op.Children) == 0 {
		return 0, fmt.Errorf("%w: empty result PDU", ErrFraming)
	}
	code, ok := op.Children[0].Value.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: result code child is not an integer", ErrFraming)
	}
	return uint16(code), nil
}
