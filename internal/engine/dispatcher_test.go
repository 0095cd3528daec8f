package engine

import (
	"context"
	"net"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedDispatcher(t *testing.T, handler func(server net.Conn)) (*Controller, *Dispatcher) {
	t.Helper()
	endpoint, err := ParseServerEndpoint("ldap://example.com")
	require.NoError(t, err)

	controller := NewController(ControllerOptions{
		URLs:   []ServerEndpoint{endpoint},
		Dialer: pipeDialer(handler),
	})
	dispatcher := NewDispatcher(DispatcherOptions{Controller: controller, RequestTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, controller.Connect(ctx))
	return controller, dispatcher
}

func writeCompareResult(t *testing.T, conn net.Conn, id int32, code uint16) {
	t.Helper()
	resp := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagCompareResponse, nil, "Response")
	resp.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "ResultCode"))
	resp.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "MatchedDN"))
	resp.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "Diagnostic"))
	_, err := conn.Write(encodeEnvelope(id, resp, nil).Bytes())
	require.NoError(t, err)
}

func writeSearchEntry(t *testing.T, conn net.Conn, id int32, dn string) {
	t.Helper()
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagSearchResultEntry, nil, "Entry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "DN"))
	op.AppendChild(ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes"))
	_, err := conn.Write(encodeEnvelope(id, op, nil).Bytes())
	require.NoError(t, err)
}

func writeSearchDone(t *testing.T, conn net.Conn, id int32) {
	t.Helper()
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagSearchResultDone, nil, "Done")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(0), "ResultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "MatchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "Diagnostic"))
	_, err := conn.Write(encodeEnvelope(id, op, nil).Bytes())
	require.NoError(t, err)
}

func TestDispatcher_AddSucceeds(t *testing.T) {
	_, dispatcher := newConnectedDispatcher(t, func(server net.Conn) {
		msg := readRequest(t, server)
		assert.Equal(t, tagAddRequest, msg.Tag)
		writeSuccess(t, server, msg.ID, tagAddResponse)
	})

	err := dispatcher.Add(context.Background(), "cn=a,dc=example,dc=com", Attributes{"objectClass": {"top"}})
	assert.NoError(t, err)
}

func TestDispatcher_CompareDistinguishesTrueFalseAndError(t *testing.T) {
	t.Run("true", func(t *testing.T) {
		_, dispatcher := newConnectedDispatcher(t, func(server net.Conn) {
			msg := readRequest(t, server)
			writeCompareResult(t, server, msg.ID, ldap.LDAPResultCompareTrue)
		})
		ok, err := dispatcher.Compare(context.Background(), "cn=a,dc=example,dc=com", "cn", "a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("false", func(t *testing.T) {
		_, dispatcher := newConnectedDispatcher(t, func(server net.Conn) {
			msg := readRequest(t, server)
			writeCompareResult(t, server, msg.ID, ldap.LDAPResultCompareFalse)
		})
		ok, err := dispatcher.Compare(context.Background(), "cn=a,dc=example,dc=com", "cn", "b")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("error", func(t *testing.T) {
		_, dispatcher := newConnectedDispatcher(t, func(server net.Conn) {
			msg := readRequest(t, server)
			writeCompareResult(t, server, msg.ID, ldap.LDAPResultNoSuchObject)
		})
		_, err := dispatcher.Compare(context.Background(), "cn=a,dc=example,dc=com", "cn", "a")
		assert.Error(t, err)
	})
}

func TestDispatcher_SearchStreamsEntriesThenEnds(t *testing.T) {
	_, dispatcher := newConnectedDispatcher(t, func(server net.Conn) {
		msg := readRequest(t, server)
		assert.Equal(t, tagSearchRequest, msg.Tag)
		writeSearchEntry(t, server, msg.ID, "cn=a,dc=example,dc=com")
		writeSearchEntry(t, server, msg.ID, "cn=b,dc=example,dc=com")
		writeSearchDone(t, server, msg.ID)
	})

	req := DefaultSearchRequest("dc=example,dc=com")
	stream, err := dispatcher.Search(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entries, err := stream.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cn=a,dc=example,dc=com", entries[0].DN)
	assert.Equal(t, "cn=b,dc=example,dc=com", entries[1].DN)
}

func TestDispatcher_ValidateDNRejectsMalformedDNWhenStrict(t *testing.T) {
	controller := NewController(ControllerOptions{
		URLs:   []ServerEndpoint{{Scheme: "ldap", Host: "example.com", Port: 389}},
		Dialer: failDialer(&ConnectionError{Reason: "unused"}),
	})
	dispatcher := NewDispatcher(DispatcherOptions{Controller: controller, StrictDN: true})

	err := dispatcher.Add(context.Background(), "not a dn===", Attributes{})
	require.Error(t, err)

	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDispatcher_AbandonIsNoopForZeroID(t *testing.T) {
	controller := NewController(ControllerOptions{
		URLs:   []ServerEndpoint{{Scheme: "ldap", Host: "example.com", Port: 389}},
		Dialer: failDialer(&ConnectionError{Reason: "unused"}),
	})
	dispatcher := NewDispatcher(DispatcherOptions{Controller: controller})

	assert.NoError(t, dispatcher.Abandon(0))
}

func TestDispatcher_ModifyAttributesReplacesEachAttributeWholesale(t *testing.T) {
	_, dispatcher := newConnectedDispatcher(t, func(server net.Conn) {
		msg := readRequest(t, server)
		require.Equal(t, tagModifyRequest, msg.Tag)
		require.Len(t, msg.Op.Children, 2)
		changes := msg.Op.Children[1].Children
		require.Len(t, changes, 1)
		op, _ := changes[0].Children[0].Value.(int64)
		assert.EqualValues(t, ChangeReplace, op)
		writeSuccess(t, server, msg.ID, tagModifyResponse)
	})

	err := dispatcher.ModifyAttributes(context.Background(), "cn=a,dc=example,dc=com", map[string][]string{"mail": {"a@example.com"}})
	assert.NoError(t, err)
}
