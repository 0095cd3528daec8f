package engine

import (
	"context"
	"sync"
)

// streamEventKind tags the variant carried by a streamEvent, standing in
// for the named events of spec.md §4.4 (searchRequest, searchEntry,
// searchReference, page, pageError, end, error).
type streamEventKind int

const (
	eventSearchRequest streamEventKind = iota
	eventSearchEntry
	eventSearchReference
	eventPage
	eventPageError
	eventEnd
	eventError
)

type streamEvent struct {
	kind      streamEventKind
	entry     *SearchEntry
	reference *SearchReference
	page      *PageResult
	resume    func(stop bool)
	err       error
}

// streamState is the Search Result Stream's lifecycle per spec.md §4.4.
type streamState int

const (
	streamCorked streamState = iota
	streamFlowing
	streamEnded
)

// SearchResultStream is the corked emitter of spec.md §4.4: it buffers
// every event until the first listener subscribes, then replays the
// buffer in order and behaves as a normal event source. Cork release is
// one-shot and all-or-nothing.
type SearchResultStream struct {
	mu      sync.Mutex
	state   streamState
	buffer  []streamEvent
	onEvent func(streamEvent)

	// iterator support: a promise-queue of entries so no event is
	// dropped between Subscribe and the consumer's first Next call.
	iterCh   chan *SearchEntry
	iterErr  error
	iterDone chan struct{}
	pagePause bool
	pageCh    chan struct{}
}

// NewSearchResultStream creates a corked stream. pagePause, when true,
// makes the lazy iterator complete at every page boundary (spec.md §4.4).
func NewSearchResultStream(pagePause bool) *SearchResultStream {
	return &SearchResultStream{
		iterCh:    make(chan *SearchEntry, 64),
		iterDone:  make(chan struct{}),
		pagePause: pagePause,
		pageCh:    make(chan struct{}, 1),
	}
}

// Subscribe attaches the first (and only, in this engine) listener,
// releasing the cork: every buffered event replays in order, then the
// stream switches to direct delivery. Calling Subscribe more than once is
// a no-op after the first call.
func (s *SearchResultStream) Subscribe(onEvent func(streamEvent)) {
	s.mu.Lock()
	if s.onEvent != nil {
		s.mu.Unlock()
		return
	}
	s.onEvent = onEvent
	buffered := s.buffer
	s.buffer = nil
	s.state = streamFlowing
	s.mu.Unlock()

	for _, ev := range buffered {
		onEvent(ev)
	}
}

func (s *SearchResultStream) emit(ev streamEvent) {
	s.mu.Lock()
	if s.onEvent == nil {
		s.buffer = append(s.buffer, ev)
		s.mu.Unlock()
		return
	}
	handler := s.onEvent
	s.mu.Unlock()
	handler(ev)
}

// EmitSearchRequest reports that one wire request has been flushed, per
// spec.md §4.4: once for a non-paged search, once per page otherwise.
func (s *SearchResultStream) EmitSearchRequest() {
	s.emit(streamEvent{kind: eventSearchRequest})
}

// EmitEntry delivers one search result entry, feeding both the callback
// listener and the lazy iterator's promise-queue.
func (s *SearchResultStream) EmitEntry(entry *SearchEntry) {
	s.emit(streamEvent{kind: eventSearchEntry, entry: entry})
	select {
	case s.iterCh <- entry:
	case <-s.iterDone:
	}
}

// EmitReference delivers one search continuation reference.
func (s *SearchResultStream) EmitReference(ref *SearchReference) {
	s.emit(streamEvent{kind: eventSearchReference, reference: ref})
}

// EmitPage reports a page boundary. resume is non-nil only when
// pagePause is true and paging is not finished; the caller of the page
// listener must invoke it to continue or stop.
func (s *SearchResultStream) EmitPage(page *PageResult, resume func(stop bool)) {
	s.emit(streamEvent{kind: eventPage, page: page, resume: resume})
	if s.pagePause && resume != nil {
		select {
		case s.pageCh <- struct{}{}:
		default:
		}
	}
}

// EmitPageError reports that paging could not continue (e.g. the server
// does not support the pagedResults control) while listeners exist.
func (s *SearchResultStream) EmitPageError(err error) {
	s.emit(streamEvent{kind: eventPageError, err: err})
}

// EmitEnd marks the stream terminated successfully and closes the
// iterator's promise-queue.
func (s *SearchResultStream) EmitEnd() {
	s.emit(streamEvent{kind: eventEnd})
	s.closeIterator(nil)
}

// EmitError marks the stream terminated with an error, surfacing it to
// both the callback listener and the lazy iterator.
func (s *SearchResultStream) EmitError(err error) {
	s.emit(streamEvent{kind: eventError, err: err})
	s.closeIterator(err)
}

func (s *SearchResultStream) closeIterator(err error) {
	s.mu.Lock()
	if s.state == streamEnded {
		s.mu.Unlock()
		return
	}
	s.state = streamEnded
	s.iterErr = err
	s.mu.Unlock()
	close(s.iterDone)
}

// Next implements the lazy-iterator contract of spec.md §4.4: it blocks
// until the next entry, or returns (nil, false, err) once the stream
// ends. If pagePause is set, Next returns (nil, false, nil) at a page
// boundary rather than erroring.
func (s *SearchResultStream) Next(ctx context.Context) (*SearchEntry, bool, error) {
	// Every entry from the page just completed is always sent to iterCh
	// before the page boundary fires pageCh (both come from the same
	// producer, in that order), so draining iterCh here first ensures a
	// page boundary is never reported early.
	select {
	case entry, ok := <-s.iterCh:
		if ok {
			return entry, true, nil
		}
	default:
	}

	select {
	case entry, ok := <-s.iterCh:
		if ok {
			return entry, true, nil
		}
	case <-s.pageCh:
		return nil, false, nil
	case <-s.iterDone:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	// Drain any entries that raced the done-close.
	select {
	case entry, ok := <-s.iterCh:
		if ok {
			return entry, true, nil
		}
	default:
	}

	s.mu.Lock()
	err := s.iterErr
	s.mu.Unlock()
	return nil, false, err
}

// ToArray drains the iterator to completion and returns every entry seen,
// used by the end-to-end scenario in spec.md §8.
func (s *SearchResultStream) ToArray(ctx context.Context) ([]*SearchEntry, error) {
	var entries []*SearchEntry
	for {
		entry, ok, err := s.Next(ctx)
		if err != nil {
			return entries, err
		}
		if !ok {
			return entries, nil
		}
		entries = append(entries, entry)
	}
}
