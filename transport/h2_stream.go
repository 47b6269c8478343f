package transport

import (
	"bytes"
	"io"
	"sync"
)

// pipe buffers a stream's response body. Writes from the frame reader never
// block; HTTP/2 flow control bounds how much can pile up.
type pipe struct {
	mu   sync.Mutex
	cond sync.Cond
	buf  bytes.Buffer
	err  error // returned once buf is drained
	brk  error // returned immediately, buffered data dropped
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond.L = &p.mu
	return p
}

func (p *pipe) Write(d []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil || p.brk != nil {
		return 0, io.ErrClosedPipe
	}
	p.cond.Signal()
	return p.buf.Write(d)
}

func (p *pipe) Read(d []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.brk != nil {
			return 0, p.brk
		}
		if p.buf.Len() > 0 {
			return p.buf.Read(d)
		}
		if p.err != nil {
			return 0, p.err
		}
		p.cond.Wait()
	}
}

// CloseWithError makes reads return err after the buffer drains.
func (p *pipe) CloseWithError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	p.cond.Broadcast()
}

// Break makes reads fail with err at once and returns how many buffered
// bytes were discarded.
func (p *pipe) Break(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.brk == nil {
		p.brk = err
	}
	n := p.buf.Len()
	p.buf.Reset()
	p.cond.Broadcast()
	return n
}

// h2Stream is one request/response exchange. Fields below mu are guarded
// by the owning connection's mu.
type h2Stream struct {
	cc      *H2Conn
	host    string
	body    *pipe
	headers chan struct{} // closed once resp or err is set
	once    sync.Once
	stop    func() bool // releases the ctx cancellation hook

	id          uint32
	sendWindow  int32
	inflow      int32 // receive window left
	unacked     int32 // bytes read by the caller, not yet acknowledged
	localEnded  bool
	remoteEnded bool
	finished    bool
	resp        *Response
	err         error
}

func (s *h2Stream) signalHeaders() {
	s.once.Do(func() { close(s.headers) })
}

// h2Body is the Response.Body of an HTTP/2 stream.
type h2Body struct {
	s *h2Stream
}

func (b *h2Body) Read(p []byte) (int, error) {
	n, err := b.s.body.Read(p)
	if n > 0 {
		b.s.cc.consumed(b.s, n)
	}
	return n, err
}

// Close resets the stream if the body was not read to the end. Sibling
// streams are unaffected.
func (b *h2Body) Close() error {
	b.s.cc.abortStream(b.s, errBodyClosed)
	return nil
}
