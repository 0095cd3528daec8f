package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestCertificate creates a self-signed certificate for exercising
// a real TLS handshake in-process, adapted from the teacher's
// generateLDAPSTestCertificate (internal/server/ldaps_test.go in the
// KilimcininKorOglu-oba example).
func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key}
}

// TestStartTLS_UpgradesConnectionBeforeBindHook exercises the ordering
// client.go wires: a setup-phase StartTLS upgrade over a plaintext dial,
// followed by a bind hook whose request must be readable only once the
// handshake completes, proving the swapped conn from SwapConn is what
// the next request is written to and read from.
func TestStartTLS_UpgradesConnectionBeforeBindHook(t *testing.T) {
	cert := generateTestCertificate(t)
	serverTLSConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientTLSConfig := &tls.Config{InsecureSkipVerify: true}

	dialer := pipeDialer(func(server net.Conn) {
		msg := readRequest(t, server)
		assert.Equal(t, tagExtendedRequest, msg.Tag)
		writeSuccess(t, server, msg.ID, tagExtendedResponse)

		tlsServer := tls.Server(server, serverTLSConfig)
		require.NoError(t, tlsServer.HandshakeContext(context.Background()))

		bindMsg := readRequest(t, tlsServer)
		assert.Equal(t, tagBindRequest, bindMsg.Tag)
		writeSuccess(t, tlsServer, bindMsg.ID, tagBindResponse)
	})

	endpoint, err := ParseServerEndpoint("ldap://example.com")
	require.NoError(t, err)

	controller := NewController(ControllerOptions{URLs: []ServerEndpoint{endpoint}, Dialer: dialer})
	dispatcher := NewDispatcher(DispatcherOptions{Controller: controller, RequestTimeout: 2 * time.Second})

	controller.SetSetupHooks(
		func(ctx context.Context) error {
			if controller.CurrentEndpoint().Secure {
				return nil
			}
			return StartTLS(ctx, dispatcher, clientTLSConfig)
		},
		func(ctx context.Context) error {
			return dispatcher.BindDirect(ctx, "cn=admin,dc=example,dc=com", "secret")
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, controller.Connect(ctx))
	assert.True(t, controller.Ready())
}

// TestStartTLS_SkippedWhenEndpointAlreadySecure mirrors client.go's guard:
// an ldaps:// endpoint must not attempt a redundant StartTLS upgrade.
func TestStartTLS_SkippedWhenEndpointAlreadySecure(t *testing.T) {
	dialer := pipeDialer(func(server net.Conn) {
		msg := readRequest(t, server)
		assert.Equal(t, tagBindRequest, msg.Tag, "an already-secure endpoint must skip straight to the bind hook")
		writeSuccess(t, server, msg.ID, tagBindResponse)
	})

	endpoint, err := ParseServerEndpoint("ldaps://example.com")
	require.NoError(t, err)

	controller := NewController(ControllerOptions{URLs: []ServerEndpoint{endpoint}, Dialer: dialer})
	dispatcher := NewDispatcher(DispatcherOptions{Controller: controller, RequestTimeout: 2 * time.Second})

	controller.SetSetupHooks(
		func(ctx context.Context) error {
			if controller.CurrentEndpoint().Secure {
				return nil
			}
			return StartTLS(ctx, dispatcher, &tls.Config{InsecureSkipVerify: true})
		},
		func(ctx context.Context) error {
			return dispatcher.BindDirect(ctx, "cn=admin,dc=example,dc=com", "secret")
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, controller.Connect(ctx))
	assert.True(t, controller.Ready())
}
