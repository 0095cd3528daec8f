package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingResolver dials nowhere so LookupSRV fails immediately without
// touching the network, exercising DiscoverServers' fallback path.
func failingResolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("no resolver available in test")
		},
	}
}

func TestDiscoverServers_FallsBackWhenNoSRVRecords(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	endpoints, err := DiscoverServers(ctx, failingResolver(), "example.com", nil)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	assert.Equal(t, ServerEndpoint{Scheme: "ldaps", Host: "example.com", Port: 636, Secure: true}, endpoints[0])
	assert.Equal(t, ServerEndpoint{Scheme: "ldap", Host: "example.com", Port: 389, Secure: false}, endpoints[1])
}

func TestDiscoverServers_RejectsEmptyDomain(t *testing.T) {
	_, err := DiscoverServers(context.Background(), failingResolver(), "", nil)
	assert.Error(t, err)
}

func TestDiscoverServers_SortsByPriorityThenWeight(t *testing.T) {
	all := []srvCandidate{
		{endpoint: ServerEndpoint{Host: "c"}, priority: 10, weight: 5},
		{endpoint: ServerEndpoint{Host: "a"}, priority: 0, weight: 1},
		{endpoint: ServerEndpoint{Host: "b"}, priority: 0, weight: 9},
	}

	sortCandidates(all)

	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].endpoint.Host, "same priority, higher weight sorts first")
	assert.Equal(t, "a", all[1].endpoint.Host)
	assert.Equal(t, "c", all[2].endpoint.Host, "higher priority value sorts last")
}
