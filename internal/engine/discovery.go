package engine

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// srvCandidate is one discovered server before priority/weight ordering,
// adapted from the teacher's ServerInfo (internal/ldap/discovery.go).
type srvCandidate struct {
	endpoint ServerEndpoint
	priority int
	weight   int
}

// DiscoverServers resolves LDAP server endpoints for domain via DNS SRV
// records, per RFC 2782's _service._proto.name convention and
// SPEC_FULL.md's supplemental discovery component: _ldaps._tcp and
// _ldap._tcp are looked up concurrently (the teacher does this
// sequentially with an early-exit; this engine has no AD Global Catalog
// fallback to prioritize, so there is nothing to gain from serializing
// them), merged, and ordered by priority ascending then weight
// descending. If no SRV record exists in either service, it falls back
// to domain:636 (ldaps) and domain:389 (ldap).
func DiscoverServers(ctx context.Context, resolver *net.Resolver, domain string, logger EventLogger) ([]ServerEndpoint, error) {
	if domain == "" {
		return nil, fmt.Errorf("ldapcore: discovery domain cannot be empty")
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = noopLogger{}
	}

	logger.Debug(ctx, "starting SRV discovery", map[string]any{"domain": domain})

	var ldapsCandidates, ldapCandidates []srvCandidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		candidates, err := lookupSRV(gctx, resolver, "_ldaps._tcp."+domain, true)
		if err == nil {
			ldapsCandidates = candidates
		}
		return nil // a missing record is not fatal; fall through to the other service
	})
	g.Go(func() error {
		candidates, err := lookupSRV(gctx, resolver, "_ldap._tcp."+domain, false)
		if err == nil {
			ldapCandidates = candidates
		}
		return nil
	})
	_ = g.Wait() // both lookupSRV calls swallow their own errors above

	all := append(ldapsCandidates, ldapCandidates...)
	if len(all) == 0 {
		logger.Debug(ctx, "no SRV records found, using fallback endpoints", map[string]any{"domain": domain})
		return []ServerEndpoint{
			{Scheme: "ldaps", Host: domain, Port: 636, Secure: true},
			{Scheme: "ldap", Host: domain, Port: 389, Secure: false},
		}, nil
	}

	sortCandidates(all)

	endpoints := make([]ServerEndpoint, 0, len(all))
	for _, c := range all {
		endpoints = append(endpoints, c.endpoint)
	}

	logger.Debug(ctx, "SRV discovery completed", map[string]any{"domain": domain, "endpoint_count": len(endpoints)})
	return endpoints, nil
}

// sortCandidates orders by priority ascending then weight descending,
// adapted from the teacher's sortServersByPriority (internal/ldap/discovery.go).
func sortCandidates(all []srvCandidate) {
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].priority != all[j].priority {
			return all[i].priority < all[j].priority
		}
		return all[i].weight > all[j].weight
	})
}

func lookupSRV(ctx context.Context, resolver *net.Resolver, service string, secure bool) ([]srvCandidate, error) {
	_, records, err := resolver.LookupSRV(ctx, "", "", service)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	scheme := "ldap"
	if secure {
		scheme = "ldaps"
	}

	candidates := make([]srvCandidate, 0, len(records))
	for _, rec := range records {
		host := strings.TrimSuffix(rec.Target, ".")
		candidates = append(candidates, srvCandidate{
			endpoint: ServerEndpoint{Scheme: scheme, Host: host, Port: int(rec.Port), Secure: secure},
			priority: int(rec.Priority),
			weight:   int(rec.Weight),
		})
	}
	return candidates, nil
}
