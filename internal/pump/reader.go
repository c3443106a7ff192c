package pump

import "io"

// readResult is what one Read call against the input stream produced.
// data is a copy, independent of any buffer the caller is accumulating
// into — stdinReader never writes directly into caller-owned memory, so a
// read that outlives the gather call that requested it can still be
// consumed safely by whichever gather call is listening when it finally
// arrives.
type readResult struct {
	data []byte
	err  error
}

// stdinReader turns a blocking io.Reader into a single-read-at-a-time
// producer: gather asks for up to n bytes and receives the result
// whenever it arrives, instead of needing the input descriptor itself to
// support non-blocking mode or select() the way original_source/sdt/
// sdt.c's sdt_read does with fcntl(O_NONBLOCK) + select(). Exactly one
// read is ever in flight.
//
// A request that is still in flight when its gather call returns (e.g. a
// deadline flush while the user has simply paused between keystrokes) is
// not abandoned: the next gather call sees outstanding() is true and
// waits on the same pending read instead of starting a second one, so two
// reads never race into the same destination and no result is ever lost
// or misattributed.
type stdinReader struct {
	src      io.Reader
	scratch  []byte
	requests chan int
	results  chan readResult
	pending  bool
}

func newStdinReader(src io.Reader, maxChunk int) *stdinReader {
	r := &stdinReader{
		src:      src,
		scratch:  make([]byte, maxChunk),
		requests: make(chan int),
		results:  make(chan readResult, 1),
	}
	go r.loop()
	return r
}

func (r *stdinReader) loop() {
	for want := range r.requests {
		n, err := r.src.Read(r.scratch[:want])
		data := append([]byte(nil), r.scratch[:n]...)
		r.results <- readResult{data: data, err: err}
	}
}

// request asks the background goroutine to perform exactly one Read call
// for up to n bytes. Must only be called when outstanding() is false.
func (r *stdinReader) request(n int) {
	r.requests <- n
	r.pending = true
}

// outstanding reports whether a previously issued request has not yet had
// its result consumed.
func (r *stdinReader) outstanding() bool {
	return r.pending
}

// consumed marks the currently outstanding request's result as delivered.
func (r *stdinReader) consumed() {
	r.pending = false
}

// close shuts down the background goroutine. Any Read it is currently
// blocked in (e.g. waiting on an interactive stdin) is abandoned — this
// mirrors the original process simply exiting out from under a blocked
// read.
func (r *stdinReader) close() {
	close(r.requests)
}
