package engine

import (
	"bytes"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope_RoundTrips(t *testing.T) {
	op := encodeDelRequest("cn=foo,dc=example,dc=com")
	envelope := encodeEnvelope(7, op, nil)

	raw := envelope.Bytes()
	require.NotEmpty(t, raw)

	packet, err := ber.ReadPacket(bytes.NewReader(raw))
	require.NoError(t, err)

	msg, err := decodeEnvelope(packet)
	require.NoError(t, err)
	assert.Equal(t, int32(7), msg.ID)
	assert.Equal(t, tagDelRequest, msg.Tag)
}

func TestEncodeEnvelope_WithControls(t *testing.T) {
	paging := ldap.NewControlPaging(50)
	op := encodeUnbindRequest()
	envelope := encodeEnvelope(3, op, []ldap.Control{paging})

	raw := envelope.Bytes()
	packet, err := ber.ReadPacket(bytes.NewReader(raw))
	require.NoError(t, err)

	msg, err := decodeEnvelope(packet)
	require.NoError(t, err)
	require.Len(t, msg.Controls, 1)
	_, ok := msg.Controls[0].(*ldap.ControlPaging)
	assert.True(t, ok)
}

func TestReadMessage_FramingErrorOnTruncatedInput(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0x30}))
	assert.Error(t, err)
}

func TestEncodeBindRequest_ShapesVersionNameAndPassword(t *testing.T) {
	req := encodeBindRequest("cn=admin,dc=example,dc=com", "hunter2")

	require.Len(t, req.Children, 3)
	assert.EqualValues(t, 3, req.Children[0].Value)
	assert.Equal(t, "cn=admin,dc=example,dc=com", req.Children[1].Value)
	assert.Equal(t, "hunter2", req.Children[2].Value)
}

func TestEncodeModifyDNRequest_OmitsNewSuperiorWhenEmpty(t *testing.T) {
	withSuperior := encodeModifyDNRequest("cn=a,dc=x", "cn=b", "dc=y", true)
	assert.Len(t, withSuperior.Children, 4)

	withoutSuperior := encodeModifyDNRequest("cn=a,dc=x", "cn=b", "", true)
	assert.Len(t, withoutSuperior.Children, 3)
}

func TestGetLDAPError_TreatsSuccessAndCompareResultsAsNil(t *testing.T) {
	for _, code := range []int64{int64(ldap.LDAPResultSuccess), int64(ldap.LDAPResultCompareTrue), int64(ldap.LDAPResultCompareFalse)} {
		op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagAddResponse, nil, "Response")
		op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, code, "ResultCode"))
		assert.NoError(t, GetLDAPError(op))
	}
}

func TestGetLDAPError_WrapsFailureWithMatchedDN(t *testing.T) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagAddResponse, nil, "Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ldap.LDAPResultNoSuchObject), "ResultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "dc=example,dc=com", "MatchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "no such entry", "Diagnostic"))

	err := GetLDAPError(op)
	require.Error(t, err)

	var ldapErr *ldap.Error
	require.ErrorAs(t, err, &ldapErr)
	assert.EqualValues(t, ldap.LDAPResultNoSuchObject, ldapErr.ResultCode)
	assert.Equal(t, "dc=example,dc=com", ldapErr.MatchedDN)
}

func TestResultCode_ReadsRawCodeWithoutClassifying(t *testing.T) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagCompareResponse, nil, "Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(ldap.LDAPResultCompareFalse), "ResultCode"))

	code, err := ResultCode(op)
	require.NoError(t, err)
	assert.EqualValues(t, ldap.LDAPResultCompareFalse, code)
}
