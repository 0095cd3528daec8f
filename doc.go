/*
Package ldapcore implements the connection and request lifecycle core of
an LDAPv3 client: one socket with automatic reconnect, a message-ID-keyed
outstanding-request tracker, a request queue while disconnected,
server-side paged search streaming, and StartTLS.

# Architecture Overview

The public surface is a single Client fronting internal/engine's
Connection Controller and Request Dispatcher:

  - Connection Controller: socket lifecycle, exponential backoff,
    round-robin server selection
  - Message Tracker: message-ID allocation and outstanding-request
    bookkeeping
  - Request Queue: buffers requests issued while disconnected
  - Search Result Stream: corked event source for a running search
  - Paged Search Driver: drives the pagedResults control across a
    chained sequence of server requests

# Connection Management

	client, err := ldapcore.New(
		ldapcore.WithURL("ldaps://dc1.example.com"),
		ldapcore.WithBindCredentials("cn=admin,dc=example,dc=com", "secret"),
		ldapcore.WithReconnect(ldapcore.ReconnectPolicy{Enabled: true}),
	)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Unbind(ctx)

# Operations

Every LDAPv3 operation is exposed directly on Client: Bind, Add,
Compare, Delete, Modify, ModifyDN, ExtendedOperation, Search, Abandon,
Unbind, and StartTLS.

# Error Handling

Every operation returns an *LDAPError classified by ErrorKind:
connection, connection_timeout, protocol, timeout, abandoned, result
(an LDAP result code, delegated to go-ldap/v3's result catalogue), or
unknown for any other cause (for example a cancelled context).

# Thread Safety

A Client is safe for concurrent use; the Connection Controller serializes
all state transitions on a single mutex.
*/
package ldapcore
