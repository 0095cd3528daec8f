package engine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerEndpoint_StringFormatsByScheme(t *testing.T) {
	tcp, err := ParseServerEndpoint("ldaps://dc1.example.com:10636")
	require.NoError(t, err)
	assert.Equal(t, "ldaps://dc1.example.com:10636", tcp.String())

	unix := UnixEndpoint("/var/run/ldap.sock")
	assert.Equal(t, "unix:///var/run/ldap.sock", unix.String())
	assert.False(t, unix.Secure)
}

func TestDefaultDialer_DialsUnixSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "ldap.sock")

	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DefaultDialer(ctx, UnixEndpoint(sockPath), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case server := <-accepted:
		defer server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("DefaultDialer did not connect to the unix listener")
	}
}

func TestDefaultDialer_RejectsUnreachableUnixSocket(t *testing.T) {
	sockPath := filepath.Join(os.TempDir(), "ldapcore-test-missing.sock")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := DefaultDialer(ctx, UnixEndpoint(sockPath), nil)
	assert.Error(t, err)
}
