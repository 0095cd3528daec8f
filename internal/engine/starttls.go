package engine

import (
	"context"
	"crypto/tls"
	"fmt"
)

// oidStartTLS is RFC 4511 §4.14.1's extended operation OID for the
// StartTLS upgrade.
const oidStartTLS = "1.3.6.1.4.1.1466.20037"

// StartTLS implements the StartTLS Driver of spec.md §4.8. It has no
// direct teacher analogue (the teacher's pool only ever dials ldaps://
// up front); it is grounded on the listener-detach/reattach description
// in spec.md §4.8 and on how the read loop already re-reads its current
// transport on every iteration (controller.go's runReadLoop).
//
// The driver runs the handshake synchronously inside the extended
// response's OnMessage callback, which executes on the read loop's own
// goroutine. Nothing else is reading from the socket at that point, so
// no pause/resume handoff between goroutines is needed: the handshake's
// raw reads and writes simply happen before the read loop's next
// ReadMessage call, which picks up the swapped net.Conn once the
// callback returns.
func StartTLS(ctx context.Context, d *Dispatcher, tlsConfig *tls.Config) error {
	rawConn, err := d.controller.BeginStartTLS()
	if err != nil {
		return err
	}

	resultCh := make(chan error, 1)
	pending := &PendingRequest{Expect: ExpectResultCodes}

	pending.OnMessage = func(msg *Message) {
		if err := GetLDAPError(msg.Op); err != nil {
			d.controller.AbortStartTLS()
			resultCh <- fmt.Errorf("starttls rejected: %w", err)
			return
		}

		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		tlsConn := tls.Client(rawConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			d.controller.AbortStartTLS()
			resultCh <- fmt.Errorf("starttls handshake: %w", err)
			return
		}

		d.controller.SwapConn(tlsConn)
		resultCh <- nil
	}
	pending.OnError = func(err error) {
		d.controller.AbortStartTLS()
		resultCh <- err
	}

	if err := d.submitDirect(pending, encodeExtendedRequest(oidStartTLS, nil), nil); err != nil {
		d.controller.AbortStartTLS()
		return err
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		_ = d.Abandon(pending.MessageID)
		d.controller.AbortStartTLS()
		return ctx.Err()
	}
}
