package engine

import (
	"errors"

	"github.com/go-ldap/ldap/v3"
)

// ErrPagedSearchUnsupported is surfaced when a server returns a
// searchResultDone with no pagedResults control attached, per spec.md §4.5.
var ErrPagedSearchUnsupported = errors.New("ldapcore: paged search not supported by server")

// DefaultPageSize resolves the Paged Search Driver's page size per
// spec.md §4.5: an explicit option wins; otherwise sizeLimit-1 when
// sizeLimit>1; otherwise 100.
func DefaultPageSize(explicit uint32, sizeLimit int) uint32 {
	if explicit > 0 {
		return explicit
	}
	if sizeLimit > 1 {
		return uint32(sizeLimit - 1)
	}
	return 100
}

// PagedSearchDriver turns one user search into a chained sequence of
// server requests using the pagedResults control (spec.md §4.5), one page
// request outstanding at a time. HandleSearchDone is called from the read
// loop; with pagePause set, only the wait for the consumer's resume runs
// on its own goroutine.
type PagedSearchDriver struct {
	control   *PagedControl
	pagePause bool
	stream    *SearchResultStream
	issueNext func() error
}

// NewPagedSearchDriver wires a driver to the stream it feeds and the
// callback that sends the next chained page request over the wire.
func NewPagedSearchDriver(control *PagedControl, pagePause bool, stream *SearchResultStream, issueNext func() error) *PagedSearchDriver {
	return &PagedSearchDriver{control: control, pagePause: pagePause, stream: stream, issueNext: issueNext}
}

// HandleSearchDone processes one searchResultDone response. entries is the
// number of searchEntry events already emitted for the page just
// completed.
func (d *PagedSearchDriver) HandleSearchDone(controls []ldap.Control, entries int) error {
	paging := findPagingControl(controls)
	if paging == nil {
		d.stream.EmitPage(&PageResult{Entries: entries}, nil)
		d.stream.EmitPageError(ErrPagedSearchUnsupported)
		return ErrPagedSearchUnsupported
	}

	d.control.SetCookie(paging.Cookie)
	page := &PageResult{Cookie: paging.Cookie, Entries: entries}

	if len(paging.Cookie) == 0 {
		d.stream.EmitPage(page, nil)
		d.stream.EmitEnd()
		return nil
	}

	if !d.pagePause {
		d.stream.EmitPage(page, nil)
		return d.issueNext()
	}

	// The resume wait runs on its own goroutine — the "producer task" of
	// spec.md §9 — rather than blocking the caller, which is the read
	// loop delivering this searchResultDone. Blocking here would stall
	// delivery of every other outstanding request on the connection
	// until the caller decides to resume.
	resumeCh := make(chan bool, 1)
	d.stream.EmitPage(page, func(stop bool) { resumeCh <- stop })
	go func() {
		if stop := <-resumeCh; stop {
			d.stream.EmitEnd()
			return
		}
		if err := d.issueNext(); err != nil {
			d.stream.EmitError(err)
		}
	}()
	return nil
}

func findPagingControl(controls []ldap.Control) *ldap.ControlPaging {
	for _, c := range controls {
		if p, ok := c.(*ldap.ControlPaging); ok {
			return p
		}
	}
	return nil
}
