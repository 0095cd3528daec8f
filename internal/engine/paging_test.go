package engine

import (
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPageSize_PrefersExplicitThenSizeLimitThenDefault(t *testing.T) {
	assert.EqualValues(t, 25, DefaultPageSize(25, 0))
	assert.EqualValues(t, 99, DefaultPageSize(0, 100))
	assert.EqualValues(t, 100, DefaultPageSize(0, 0))
	assert.EqualValues(t, 100, DefaultPageSize(0, 1))
}

func TestPagedSearchDriver_CookiePresentIssuesNextPage(t *testing.T) {
	control := NewPagedControl(50)
	stream := NewSearchResultStream(false)

	issued := 0
	driver := NewPagedSearchDriver(control, false, stream, func() error {
		issued++
		return nil
	})

	controls := []ldap.Control{pagingControlWithCookie(t, []byte("next-page"))}
	err := driver.HandleSearchDone(controls, 10)

	require.NoError(t, err)
	assert.Equal(t, 1, issued)
	assert.Equal(t, []byte("next-page"), control.Cookie())
}

func TestPagedSearchDriver_EmptyCookieEndsStream(t *testing.T) {
	control := NewPagedControl(50)
	stream := NewSearchResultStream(false)

	var ended bool
	stream.Subscribe(func(ev streamEvent) {
		if ev.kind == eventEnd {
			ended = true
		}
	})

	driver := NewPagedSearchDriver(control, false, stream, func() error {
		t.Fatal("issueNext must not be called once the cookie is empty")
		return nil
	})

	err := driver.HandleSearchDone([]ldap.Control{pagingControlWithCookie(t, nil)}, 3)
	require.NoError(t, err)
	assert.True(t, ended)
}

func TestPagedSearchDriver_MissingControlSurfacesUnsupported(t *testing.T) {
	control := NewPagedControl(50)
	stream := NewSearchResultStream(false)

	var sawPageError error
	stream.Subscribe(func(ev streamEvent) {
		if ev.kind == eventPageError {
			sawPageError = ev.err
		}
	})

	driver := NewPagedSearchDriver(control, false, stream, func() error { return nil })

	err := driver.HandleSearchDone(nil, 1)
	assert.ErrorIs(t, err, ErrPagedSearchUnsupported)
	assert.ErrorIs(t, sawPageError, ErrPagedSearchUnsupported)
}

func TestPagedSearchDriver_PausePendsOnExplicitResume(t *testing.T) {
	control := NewPagedControl(50)
	stream := NewSearchResultStream(true)

	resumeCh := make(chan func(bool), 1)
	stream.Subscribe(func(ev streamEvent) {
		if ev.kind == eventPage {
			resumeCh <- ev.resume
		}
	})

	issuedCh := make(chan struct{}, 1)
	driver := NewPagedSearchDriver(control, true, stream, func() error {
		issuedCh <- struct{}{}
		return nil
	})

	// HandleSearchDone must return immediately regardless of the
	// consumer's resume decision — it never blocks its caller (the read
	// loop) on a signal only the consumer can send.
	err := driver.HandleSearchDone([]ldap.Control{pagingControlWithCookie(t, []byte("c"))}, 5)
	require.NoError(t, err)

	resume := <-resumeCh
	resume(false)

	select {
	case <-issuedCh:
	case <-time.After(time.Second):
		t.Fatal("issueNext was not invoked after resume")
	}
}

func pagingControlWithCookie(t *testing.T, cookie []byte) *ldap.ControlPaging {
	t.Helper()
	ctrl := ldap.NewControlPaging(50)
	ctrl.SetCookie(cookie)
	return ctrl
}
