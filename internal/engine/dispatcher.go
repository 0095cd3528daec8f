package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// oidWhoAmI is RFC 4532's "Who am I?" extended operation, supplementing
// spec.md's operation surface per SPEC_FULL.md §4.10.
const oidWhoAmI = "1.3.6.1.4.1.4203.1.11.3"

// Dispatcher is the Request Dispatcher of spec.md §4.7: the public
// operation surface, routing each call through the queue or directly to
// the wire depending on the Connection Controller's state.
type Dispatcher struct {
	controller     *Controller
	strictDN       bool
	requestTimeout time.Duration
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Controller     *Controller
	StrictDN       bool
	RequestTimeout time.Duration
}

// NewDispatcher creates a Dispatcher bound to one Controller.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		controller:     opts.Controller,
		strictDN:       opts.StrictDN,
		requestTimeout: opts.RequestTimeout,
	}
}

type dispatchResult struct {
	msg *Message
	err error
}

// dispatch submits one request-response operation and blocks for its
// terminal response, a timeout, or ctx cancellation (spec.md §4.7).
func (d *Dispatcher) dispatch(ctx context.Context, op *ber.Packet, controls []ldap.Control) (*Message, error) {
	resultCh := make(chan dispatchResult, 1)
	pending := &PendingRequest{
		Expect: ExpectResultCodes,
		OnMessage: func(msg *Message) {
			resultCh <- dispatchResult{msg: msg}
		},
		OnError: func(err error) {
			resultCh <- dispatchResult{err: err}
		},
	}

	if err := d.submit(pending, op, controls); err != nil {
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if d.requestTimeout > 0 {
		timer := time.NewTimer(d.requestTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		_ = d.Abandon(pending.MessageID)
		return nil, ctx.Err()
	case <-timeoutCh:
		_ = d.Abandon(pending.MessageID)
		return nil, &TimeoutError{MessageID: pending.MessageID}
	}
}

// submit assigns a message ID and writes directly to the socket when the
// connection is ready, or buffers in the Request Queue otherwise
// (spec.md §4.2/§4.7).
func (d *Dispatcher) submit(pending *PendingRequest, op *ber.Packet, controls []ldap.Control) error {
	if d.controller.Destroyed() {
		return &ConnectionError{Reason: "client destroyed"}
	}

	if d.controller.Ready() {
		tracker := d.controller.Tracker()
		if tracker == nil {
			return &ConnectionError{Reason: "no active connection"}
		}
		id := tracker.Track(pending)
		if err := d.controller.Send(buildPayload(id, op, controls)); err != nil {
			tracker.Remove(id)
			return err
		}
		return nil
	}

	entry := &QueueEntry{
		Request: pending,
		Encode:  func(messageID int32) []byte { return buildPayload(messageID, op, controls) },
	}
	if !d.controller.Queue().Enqueue(entry) {
		return ErrQueueUnavailable
	}
	return nil
}

func buildPayload(messageID int32, op *ber.Packet, controls []ldap.Control) []byte {
	return encodeEnvelope(messageID, op, controls).Bytes()
}

// submitDirect bypasses the Request Queue entirely: used only by the
// setup-phase hooks (implicit StartTLS, implicit bind), which must write
// while the controller is still in stateConnecting (spec.md §4.6 step 3).
func (d *Dispatcher) submitDirect(pending *PendingRequest, op *ber.Packet, controls []ldap.Control) error {
	tracker := d.controller.Tracker()
	if tracker == nil || !d.controller.Writable() {
		return &ConnectionError{Reason: "no active connection"}
	}
	id := tracker.Track(pending)
	if err := d.controller.Send(buildPayload(id, op, controls)); err != nil {
		tracker.Remove(id)
		return err
	}
	return nil
}

// BindDirect performs a simple bind outside the queue, for use as an
// implicit setup-phase hook (SPEC_FULL.md §4.6).
func (d *Dispatcher) BindDirect(ctx context.Context, dn, password string) error {
	resultCh := make(chan dispatchResult, 1)
	pending := &PendingRequest{
		Expect:    ExpectResultCodes,
		OnMessage: func(msg *Message) { resultCh <- dispatchResult{msg: msg} },
		OnError:   func(err error) { resultCh <- dispatchResult{err: err} },
	}
	if err := d.submitDirect(pending, encodeBindRequest(dn, password), nil); err != nil {
		return err
	}
	select {
	case res := <-resultCh:
		if res.err != nil {
			return res.err
		}
		return GetLDAPError(res.msg.Op)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon implements spec.md's abandon(messageID) operation: it marks the
// ID abandoned in the tracker so any late response is discarded, and
// best-effort notifies the server with an AbandonRequest if connected.
// Abandon never waits for, or expects, a response.
func (d *Dispatcher) Abandon(targetID int32, controls ...ldap.Control) error {
	if targetID == 0 {
		return nil
	}
	tracker := d.controller.Tracker()
	if tracker == nil {
		return &ConnectionError{Reason: "no active connection"}
	}
	tracker.Abandon(targetID)

	if !d.controller.Ready() {
		return nil
	}
	abandonPending := &PendingRequest{Expect: ExpectAbandonSentinel}
	id := tracker.Track(abandonPending)
	defer tracker.Remove(id)
	return d.controller.Send(buildPayload(id, encodeAbandonRequest(targetID), controls))
}

// Unbind implements spec.md's unbind() operation: half-close by writing
// UnbindRequest, wait briefly for the controller to observe the resulting
// socket close (synthesized as success by handleClose), then destroy.
func (d *Dispatcher) Unbind(ctx context.Context, controls ...ldap.Control) error {
	if !d.controller.Ready() {
		d.controller.Destroy(nil)
		return nil
	}

	tracker := d.controller.Tracker()
	if tracker == nil {
		d.controller.Destroy(nil)
		return nil
	}

	doneCh := make(chan struct{}, 1)
	pending := &PendingRequest{
		Expect:    ExpectUnbindSentinel,
		OnMessage: func(*Message) { doneCh <- struct{}{} },
	}
	id := tracker.Track(pending)
	d.controller.MarkUnbindInFlight(id)

	if err := d.controller.Send(buildPayload(id, encodeUnbindRequest(), controls)); err != nil {
		tracker.Remove(id)
		d.controller.Destroy(err)
		return err
	}
	if hc, ok := d.controller.currentConn().(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}

	select {
	case <-doneCh:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	d.controller.Destroy(nil)
	return nil
}

// Bind implements the simple bind operation (spec.md §4.7).
func (d *Dispatcher) Bind(ctx context.Context, dn, password string, controls ...ldap.Control) error {
	if err := d.validateDN(dn); err != nil {
		return err
	}
	msg, err := d.dispatch(ctx, encodeBindRequest(dn, password), controls)
	if err != nil {
		return err
	}
	return GetLDAPError(msg.Op)
}

// Add implements the add operation.
func (d *Dispatcher) Add(ctx context.Context, dn string, attrs Attributes, controls ...ldap.Control) error {
	if err := d.validateDN(dn); err != nil {
		return err
	}
	msg, err := d.dispatch(ctx, encodeAddRequest(dn, attrs), controls)
	if err != nil {
		return err
	}
	return GetLDAPError(msg.Op)
}

// Delete implements the delete operation.
func (d *Dispatcher) Delete(ctx context.Context, dn string, controls ...ldap.Control) error {
	if err := d.validateDN(dn); err != nil {
		return err
	}
	msg, err := d.dispatch(ctx, encodeDelRequest(dn), controls)
	if err != nil {
		return err
	}
	return GetLDAPError(msg.Op)
}

// Compare implements the compare operation. Unlike every other operation,
// a successful exchange can resolve to either true or false; only a
// genuine error result is surfaced as err.
func (d *Dispatcher) Compare(ctx context.Context, dn, attr, value string, controls ...ldap.Control) (bool, error) {
	if err := d.validateDN(dn); err != nil {
		return false, err
	}
	msg, err := d.dispatch(ctx, encodeCompareRequest(dn, attr, value), controls)
	if err != nil {
		return false, err
	}
	code, err := ResultCode(msg.Op)
	if err != nil {
		return false, err
	}
	switch code {
	case ldap.LDAPResultCompareTrue:
		return true, nil
	case ldap.LDAPResultCompareFalse:
		return false, nil
	default:
		return false, GetLDAPError(msg.Op)
	}
}

// Modify implements the modify operation's itemized-changes form.
func (d *Dispatcher) Modify(ctx context.Context, dn string, changes []Change, controls ...ldap.Control) error {
	if err := d.validateDN(dn); err != nil {
		return err
	}
	msg, err := d.dispatch(ctx, encodeModifyRequest(dn, changes), controls)
	if err != nil {
		return err
	}
	return GetLDAPError(msg.Op)
}

// ModifyAttributes implements modify's plain-object convenience form,
// resolved in SPEC_FULL.md §4 Open Question: every named attribute is
// replaced wholesale with the given values.
func (d *Dispatcher) ModifyAttributes(ctx context.Context, dn string, attrs map[string][]string) error {
	changes := make([]Change, 0, len(attrs))
	for name, values := range attrs {
		changes = append(changes, Change{Operation: ChangeReplace, Attribute: name, Values: values})
	}
	return d.Modify(ctx, dn, changes)
}

// ModifyDN implements the modifyDN operation. deleteOldRDN is always
// true, per SPEC_FULL.md §4 Open Question: this client never preserves
// the old RDN attribute value.
func (d *Dispatcher) ModifyDN(ctx context.Context, dn, newRDN, newSuperior string, controls ...ldap.Control) error {
	if err := d.validateDN(dn); err != nil {
		return err
	}
	if err := d.validateDN(newRDN); err != nil {
		return err
	}
	if newSuperior != "" {
		if err := d.validateDN(newSuperior); err != nil {
			return err
		}
	}
	msg, err := d.dispatch(ctx, encodeModifyDNRequest(dn, newRDN, newSuperior, true), controls)
	if err != nil {
		return err
	}
	return GetLDAPError(msg.Op)
}

// Extended implements a generic extended operation, returning the raw
// responseValue bytes.
func (d *Dispatcher) Extended(ctx context.Context, oid string, value []byte, controls ...ldap.Control) ([]byte, error) {
	msg, err := d.dispatch(ctx, encodeExtendedRequest(oid, value), controls)
	if err != nil {
		return nil, err
	}
	if err := GetLDAPError(msg.Op); err != nil {
		return nil, err
	}
	return extractExtendedValue(msg.Op), nil
}

// WhoAmI implements RFC 4532's Who am I? extended operation
// (SPEC_FULL.md §4.10).
func (d *Dispatcher) WhoAmI(ctx context.Context) (string, error) {
	value, err := d.Extended(ctx, oidWhoAmI, nil)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func extractExtendedValue(op *ber.Packet) []byte {
	for _, c := range op.Children {
		// Context-class packets read off the wire carry their contents in
		// Data only; asn1-ber sets Value just for universal-class types.
		if c.ClassType == ber.ClassContext && c.Tag == 11 {
			return c.Data.Bytes()
		}
	}
	return nil
}

// Search implements the search operation (spec.md §4.7): it submits the
// first wire request (or the first page, when req.Paged is set) and
// returns the Search Result Stream immediately; the caller subscribes or
// iterates it independently of this call.
func (d *Dispatcher) Search(ctx context.Context, req *SearchRequest) (*SearchResultStream, error) {
	if err := d.validateDN(req.BaseDN); err != nil {
		return nil, err
	}

	pagePause := req.Paged != nil && req.PagePause
	stream := NewSearchResultStream(pagePause)

	var driver *PagedSearchDriver
	if req.Paged != nil {
		issueNext := func() error { return d.issueSearchPage(ctx, req, stream, driver) }
		driver = NewPagedSearchDriver(req.Paged, pagePause, stream, issueNext)
	}

	if err := d.issueSearchPage(ctx, req, stream, driver); err != nil {
		return stream, err
	}
	return stream, nil
}

// issueSearchPage writes one searchRequest (the whole search, or one
// chained page) and wires its responses into stream for the life of that
// request's message ID.
func (d *Dispatcher) issueSearchPage(ctx context.Context, req *SearchRequest, stream *SearchResultStream, driver *PagedSearchDriver) error {
	controls := append([]ldap.Control{}, req.Controls...)
	if req.Paged != nil {
		controls = append(controls, req.Paged.Control())
	}

	op := encodeSearchRequest(req, controls)
	pending := &PendingRequest{Expect: ExpectSearchStream, Emitter: stream}
	entryCount := 0

	pending.OnMessage = func(msg *Message) {
		switch msg.Tag {
		case tagSearchResultEntry:
			stream.EmitEntry(decodeEntry(msg.Op))
			entryCount++
		case tagSearchResultReference:
			stream.EmitReference(decodeReference(msg.Op))
		case tagSearchResultDone:
			if tracker := d.controller.Tracker(); tracker != nil {
				tracker.Remove(pending.MessageID)
			}
			if err := GetLDAPError(msg.Op); err != nil {
				stream.EmitError(err)
				return
			}
			if driver == nil {
				stream.EmitEnd()
				return
			}
			if err := driver.HandleSearchDone(msg.Controls, entryCount); err != nil && !errors.Is(err, ErrPagedSearchUnsupported) {
				stream.EmitError(err)
			}
		default:
			stream.EmitError(fmt.Errorf("%w: unexpected search response tag %d", ErrFraming, msg.Tag))
		}
	}
	pending.OnError = func(err error) { stream.EmitError(err) }

	if err := d.submit(pending, op, controls); err != nil {
		stream.EmitError(err)
		return err
	}
	stream.EmitSearchRequest()
	return nil
}

func (d *Dispatcher) validateDN(dn string) error {
	if !d.strictDN {
		return nil
	}
	if _, err := ldap.ParseDN(dn); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("invalid DN %q", dn), Cause: err}
	}
	return nil
}
