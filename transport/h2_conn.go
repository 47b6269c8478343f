package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sardanioss/net/http2"
	"github.com/sardanioss/net/http2/hpack"
	"github.com/sardanioss/wirecloak/fingerprint"
	"github.com/sardanioss/wirecloak/protocol"
	"k8s.io/klog/v2"
)

const (
	// initialPeerMaxStreams applies until the peer's SETTINGS arrive.
	initialPeerMaxStreams = 100
	defaultWindowSize     = 65535
	maxWindowSize         = 1<<31 - 1
	maxStreamID           = 1<<31 - 1
)

// H2Conn is a multiplexed HTTP/2 client connection whose preface and
// HEADERS frames follow an HTTP2Profile.
type H2Conn struct {
	id      string
	host    string
	conn    net.Conn
	profile *fingerprint.HTTP2Profile
	tls     *TLSState
	state   *stateMachine

	// wmu serialises frame writes. Stream ids are assigned while holding
	// it, so HEADERS leave in id order.
	wmu  sync.Mutex
	bw   *bufio.Writer
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer

	mu             sync.Mutex
	cond           sync.Cond // send window changes
	streams        map[uint32]*h2Stream
	nextStreamID   uint32
	peerMaxStreams uint32
	peerInitWindow int32
	peerMaxFrame   uint32
	sendWindow     int32
	localWindow    int32 // per-stream receive window we advertised
	connWindow     int32 // connection receive window we advertised
	inflow         int32
	recvUnacked    int32
	goAway         bool
	goAwayCode     http2.ErrCode
	lastStreamID   uint32
	closeErr       error

	readDone chan struct{}
}

// NewH2Conn writes the profile's preface on conn and starts the frame
// reader. conn is usually a completed TLS connection that negotiated h2.
func NewH2Conn(conn net.Conn, host string, p *fingerprint.HTTP2Profile, tlsState *TLSState) (*H2Conn, error) {
	return newH2Conn(conn, host, p, tlsState, &stateMachine{})
}

func newH2Conn(conn net.Conn, host string, p *fingerprint.HTTP2Profile, tlsState *TLSState, sm *stateMachine) (*H2Conn, error) {
	if err := WritePreface(conn, p); err != nil {
		return nil, &protocol.Error{Op: "h2 preface", Host: host, Category: protocol.ErrConnect, Cause: err, NotSent: true}
	}

	c := &H2Conn{
		id:             uuid.NewString(),
		host:           host,
		conn:           conn,
		profile:        p,
		tls:            tlsState,
		state:          sm,
		streams:        make(map[uint32]*h2Stream),
		nextStreamID:   p.FirstStreamID(),
		peerMaxStreams: initialPeerMaxStreams,
		peerInitWindow: defaultWindowSize,
		peerMaxFrame:   16384,
		sendWindow:     defaultWindowSize,
		localWindow:    int32(p.InitialWindowSize()),
		connWindow:     defaultWindowSize + int32(p.ConnectionWindowUpdate),
		readDone:       make(chan struct{}),
	}
	c.inflow = c.connWindow
	c.cond.L = &c.mu
	c.bw = bufio.NewWriterSize(conn, 16<<10)
	c.fr = http2.NewFramer(c.bw, bufio.NewReaderSize(conn, 16<<10))
	c.fr.ReadMetaHeaders = hpack.NewDecoder(p.HeaderTableSize(), nil)
	c.fr.MaxHeaderListSize = p.MaxHeaderListSize()
	c.fr.SetMaxReadFrameSize(p.MaxFrameSize())
	c.henc = hpack.NewEncoder(&c.hbuf)

	sm.advance(StateActive)
	klog.V(3).Infof("h2 %s: preface sent to %s (%s)", c.id, host, p.Akamai())
	go c.readLoop()
	return c, nil
}

func (c *H2Conn) ID() string               { return c.id }
func (c *H2Conn) Version() protocol.Version { return protocol.HTTP2 }
func (c *H2Conn) State() State             { return c.state.Load() }
func (c *H2Conn) TLS() *TLSState           { return c.tls }
func (c *H2Conn) Multiplexed() bool        { return true }

// MaxStreams returns the peer's SETTINGS_MAX_CONCURRENT_STREAMS.
func (c *H2Conn) MaxStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(min(c.peerMaxStreams, 1<<20))
}

// ActiveStreams returns the number of open streams.
func (c *H2Conn) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Reusable reports whether new streams may be opened.
func (c *H2Conn) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr == nil && !c.goAway && c.nextStreamID < maxStreamID && c.state.Load() == StateActive
}

// GoingAway reports whether the peer sent GOAWAY.
func (c *H2Conn) GoingAway() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goAway
}

// Close sends GOAWAY and tears the connection down, failing open streams.
func (c *H2Conn) Close() error {
	c.mu.Lock()
	closed := c.closeErr != nil
	c.mu.Unlock()
	if !closed {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if c.fr.WriteGoAway(0, http2.ErrCodeNo, nil) == nil {
			_ = c.bw.Flush()
		}
		c.wmu.Unlock()
	}
	c.closeWithError(&protocol.Error{Op: "h2", Host: c.host, Category: protocol.ErrConnect, Cause: ErrConnClosed, NotSent: true})
	return nil
}

// Done is closed when the frame reader exits.
func (c *H2Conn) Done() <-chan struct{} {
	return c.readDone
}

// RoundTrip opens a stream for req and waits for the response headers.
// Cancelling ctx resets the stream, before or after RoundTrip returns,
// without affecting other streams.
func (c *H2Conn) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, protocol.FromContext("h2", c.host, err)
	}
	if err := ValidateRequest(req); err != nil {
		return nil, invalidRequest("h2", c.host, err)
	}
	s := &h2Stream{cc: c, host: c.host, body: newPipe(), headers: make(chan struct{})}
	stop := context.AfterFunc(ctx, func() {
		c.abortStream(s, protocol.FromContext("h2", c.host, ctx.Err()))
	})
	c.mu.Lock()
	s.stop = stop
	c.mu.Unlock()

	if err := c.openStream(s, req); err != nil {
		stop()
		return nil, err
	}

	if req.Body != nil {
		if err := c.writeBody(s, req.Body); err != nil {
			c.mu.Lock()
			gotResponse := s.resp != nil
			c.mu.Unlock()
			if !gotResponse {
				c.abortStream(s, err)
			}
		}
	}

	<-s.headers
	c.mu.Lock()
	resp, err := s.resp, s.err
	c.mu.Unlock()
	if resp == nil {
		return nil, err
	}
	return resp, nil
}

func (c *H2Conn) openStream(s *h2Stream, req *Request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	var refuse error
	switch {
	case c.closeErr != nil:
		refuse = ErrConnClosed
	case c.goAway:
		refuse = fmt.Errorf("%w: GOAWAY received", ErrConnClosed)
	case s.finished:
		err := s.err
		c.mu.Unlock()
		return err
	case uint32(len(c.streams)) >= c.peerMaxStreams:
		refuse = ErrStreamLimit
	case c.nextStreamID > maxStreamID:
		refuse = fmt.Errorf("%w: stream ids exhausted", ErrConnClosed)
	}
	if refuse != nil {
		c.mu.Unlock()
		return notSent("h2", c.host, refuse)
	}
	s.id = c.nextStreamID
	c.nextStreamID += 2
	s.sendWindow = c.peerInitWindow
	s.inflow = c.localWindow
	endStream := req.Body == nil
	s.localEnded = endStream
	c.streams[s.id] = s
	maxFrame := c.peerMaxFrame
	c.mu.Unlock()

	block := c.encodeHeaders(req)
	if err := c.writeHeaders(s.id, endStream, block, maxFrame); err != nil {
		perr := &protocol.Error{Op: "h2 write", Host: c.host, Category: protocol.ErrProtocol, Cause: err}
		go c.closeWithError(perr)
		return perr
	}
	klog.V(3).Infof("h2 %s: stream %d %s %s", c.id, s.id, req.Method, req.Path)
	return nil
}

// encodeHeaders HPACK-encodes pseudo-headers in profile order followed by
// the regular headers lower-cased. Caller holds wmu.
func (c *H2Conn) encodeHeaders(req *Request) []byte {
	c.hbuf.Reset()
	write := func(name, value string) {
		_ = c.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	for _, ph := range c.profile.PseudoHeaderOrder {
		switch ph {
		case ":method":
			write(ph, req.Method)
		case ":authority":
			write(ph, req.Authority)
		case ":scheme":
			write(ph, req.Scheme)
		case ":path":
			write(ph, path)
		}
	}
	for _, f := range req.Header {
		name := strings.ToLower(f.Name)
		if connectionSpecific(name) || (name == "te" && !strings.EqualFold(f.Value, "trailers")) {
			continue
		}
		write(name, f.Value)
	}
	if req.Body != nil && req.ContentLength >= 0 && !req.Header.Has("Content-Length") {
		write("content-length", strconv.FormatInt(req.ContentLength, 10))
	}
	return bytes.Clone(c.hbuf.Bytes())
}

func connectionSpecific(name string) bool {
	switch name {
	case "host", "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

// writeHeaders splits block into HEADERS and CONTINUATION frames. Caller
// holds wmu.
func (c *H2Conn) writeHeaders(id uint32, endStream bool, block []byte, maxFrame uint32) error {
	var prio http2.PriorityParam
	limit := int(maxFrame)
	if hp := c.profile.HeaderPriority; hp != nil {
		prio = priorityParam(*hp)
		limit -= 5
	}
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}
		block = block[len(chunk):]
		var err error
		if first {
			err = c.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    len(block) == 0,
				Priority:      prio,
			})
			first = false
			limit = int(maxFrame)
		} else {
			err = c.fr.WriteContinuation(id, len(block) == 0, chunk)
		}
		if err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// writeBody sends the request body as DATA frames within the send windows.
func (c *H2Conn) writeBody(s *h2Stream, body io.Reader) error {
	c.mu.Lock()
	size := c.peerMaxFrame
	c.mu.Unlock()
	buf := make([]byte, size)
	for {
		n, rerr := body.Read(buf)
		data := buf[:n]
		eof := rerr == io.EOF
		if rerr != nil && !eof {
			return &protocol.Error{Op: "h2 request body", Host: c.host, Category: protocol.ErrBody, Cause: rerr, StreamID: s.id}
		}
		for len(data) > 0 {
			take, err := c.awaitSendWindow(s, len(data))
			if err != nil {
				return err
			}
			chunk := data[:take]
			data = data[take:]
			if err := c.writeData(s, eof && len(data) == 0, chunk); err != nil {
				return err
			}
		}
		if eof {
			if n == 0 {
				return c.writeData(s, true, nil)
			}
			return nil
		}
	}
}

func (c *H2Conn) awaitSendWindow(s *h2Stream, want int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if s.finished {
			if s.err != nil {
				return 0, s.err
			}
			return 0, errBodyClosed
		}
		take := min(int32(want), c.sendWindow, s.sendWindow, int32(c.peerMaxFrame))
		if take > 0 {
			c.sendWindow -= take
			s.sendWindow -= take
			return int(take), nil
		}
		c.cond.Wait()
	}
}

func (c *H2Conn) writeData(s *h2Stream, end bool, data []byte) error {
	c.wmu.Lock()
	err := c.fr.WriteData(s.id, end, data)
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	if err != nil {
		perr := &protocol.Error{Op: "h2 write", Host: c.host, Category: protocol.ErrProtocol, Cause: err}
		go c.closeWithError(perr)
		return perr
	}
	if end {
		c.mu.Lock()
		s.localEnded = true
		closeConn := c.maybeFinishLocked(s)
		c.mu.Unlock()
		c.afterFinish(s, closeConn)
	}
	return nil
}

// maybeFinishLocked retires s once both directions ended. It reports
// whether a draining connection became idle and should close.
func (c *H2Conn) maybeFinishLocked(s *h2Stream) bool {
	if s.finished || !s.localEnded || !s.remoteEnded {
		return false
	}
	return c.retireLocked(s)
}

func (c *H2Conn) retireLocked(s *h2Stream) bool {
	s.finished = true
	delete(c.streams, s.id)
	c.cond.Broadcast()
	return c.goAway && len(c.streams) == 0
}

func (c *H2Conn) afterFinish(s *h2Stream, closeConn bool) {
	c.mu.Lock()
	stop := s.stop
	finished := s.finished
	c.mu.Unlock()
	if finished && stop != nil {
		stop()
	}
	if closeConn {
		klog.V(2).Infof("h2 %s: drained after GOAWAY, closing", c.id)
		go c.Close()
	}
}

// abortStream fails s with err and resets it on the wire if it was opened.
func (c *H2Conn) abortStream(s *h2Stream, err error) {
	c.mu.Lock()
	if s.finished {
		c.mu.Unlock()
		return
	}
	opened := s.id != 0
	var closeConn bool
	if opened {
		closeConn = c.retireLocked(s)
	} else {
		s.finished = true
	}
	if s.err == nil {
		s.err = err
	}
	c.mu.Unlock()

	s.signalHeaders()
	// Bytes the caller will never read still count against the
	// connection window.
	if dropped := s.body.Break(err); dropped > 0 {
		c.consumed(nil, dropped)
	}
	if opened {
		klog.V(3).Infof("h2 %s: resetting stream %d: %v", c.id, s.id, err)
		c.writeControl(func() error { return c.fr.WriteRSTStream(s.id, http2.ErrCodeCancel) })
	}
	c.afterFinish(s, closeConn)
}

// consumed credits n bytes read by the caller and sends WINDOW_UPDATE once
// half of a window is outstanding. s may be nil for connection-only credit.
func (c *H2Conn) consumed(s *h2Stream, n int) {
	c.mu.Lock()
	var streamInc, connInc uint32
	var id uint32
	c.recvUnacked += int32(n)
	if c.recvUnacked >= c.connWindow/2 {
		connInc = uint32(c.recvUnacked)
		c.inflow += c.recvUnacked
		c.recvUnacked = 0
	}
	if s != nil && !s.finished && !s.remoteEnded {
		s.unacked += int32(n)
		if s.unacked >= c.localWindow/2 {
			streamInc, id = uint32(s.unacked), s.id
			s.inflow += s.unacked
			s.unacked = 0
		}
	}
	closed := c.closeErr != nil
	c.mu.Unlock()

	if closed || (connInc == 0 && streamInc == 0) {
		return
	}
	c.writeControl(func() error {
		if connInc > 0 {
			if err := c.fr.WriteWindowUpdate(0, connInc); err != nil {
				return err
			}
		}
		if streamInc > 0 {
			return c.fr.WriteWindowUpdate(id, streamInc)
		}
		return nil
	})
}

// writeControl writes frames produced by fn and flushes; a write failure is
// fatal to the connection.
func (c *H2Conn) writeControl(fn func() error) {
	c.wmu.Lock()
	err := fn()
	if err == nil {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	if err != nil {
		go c.closeWithError(&protocol.Error{Op: "h2 write", Host: c.host, Category: protocol.ErrProtocol, Cause: err})
	}
}

func (c *H2Conn) closeWithError(err error) {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	streams := c.streams
	c.streams = make(map[uint32]*h2Stream)
	stops := make([]func() bool, 0, len(streams))
	for _, s := range streams {
		s.finished = true
		if s.err == nil {
			s.err = err
		}
		if s.stop != nil {
			stops = append(stops, s.stop)
		}
	}
	c.state.advance(StateClosed)
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, s := range streams {
		s.signalHeaders()
		s.body.Break(err)
	}
	for _, stop := range stops {
		stop()
	}
	_ = c.conn.Close()
	klog.V(2).Infof("h2 %s: closed: %v", c.id, err)
}

func (c *H2Conn) readLoop() {
	defer close(c.readDone)
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.resetStream(se.StreamID, se.Code, se)
				continue
			}
			c.connError(err)
			return
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			err = c.onHeaders(f)
		case *http2.DataFrame:
			err = c.onData(f)
		case *http2.RSTStreamFrame:
			c.onReset(f)
		case *http2.SettingsFrame:
			err = c.onSettings(f)
		case *http2.WindowUpdateFrame:
			err = c.onWindowUpdate(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				data := f.Data
				c.writeControl(func() error { return c.fr.WritePing(true, data) })
			}
		case *http2.GoAwayFrame:
			c.onGoAway(f)
		case *http2.PushPromiseFrame:
			err = http2.ConnectionError(http2.ErrCodeProtocol)
		}
		if err != nil {
			c.connError(err)
			return
		}
	}
}

// connError ends the connection for a connection-scoped failure, sending
// GOAWAY when the failure is a protocol violation by the peer.
func (c *H2Conn) connError(err error) {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		klog.Warningf("h2 %s: connection error from %s: %v", c.id, c.host, err)
		c.writeControl(func() error { return c.fr.WriteGoAway(0, http2.ErrCode(ce), nil) })
	}
	c.mu.Lock()
	draining := c.goAway && c.goAwayCode == http2.ErrCodeNo
	c.mu.Unlock()
	cause := err
	if draining && errors.Is(err, io.EOF) {
		cause = ErrConnClosed
	}
	c.closeWithError(&protocol.Error{Op: "h2 read", Host: c.host, Category: protocol.ErrProtocol, Cause: cause})
}

// resetStream fails one stream for a stream-scoped violation and tells the
// peer. Other streams continue.
func (c *H2Conn) resetStream(id uint32, code http2.ErrCode, cause error) {
	c.mu.Lock()
	s := c.streams[id]
	c.mu.Unlock()
	klog.Warningf("h2 %s: stream %d error: %v", c.id, id, cause)
	if s == nil {
		c.writeControl(func() error { return c.fr.WriteRSTStream(id, code) })
		return
	}
	err := &protocol.Error{Op: "h2 stream", Host: c.host, Category: protocol.ErrProtocol, Cause: cause, StreamID: id}
	c.mu.Lock()
	if s.finished {
		c.mu.Unlock()
		return
	}
	closeConn := c.retireLocked(s)
	s.err = err
	c.mu.Unlock()
	s.signalHeaders()
	if dropped := s.body.Break(err); dropped > 0 {
		c.consumed(nil, dropped)
	}
	c.writeControl(func() error { return c.fr.WriteRSTStream(id, code) })
	c.afterFinish(s, closeConn)
}

func (c *H2Conn) stream(id uint32) *h2Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *H2Conn) onHeaders(f *http2.MetaHeadersFrame) error {
	s := c.stream(f.StreamID)
	if s == nil {
		if f.StreamID >= c.nextID() {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	if f.Truncated {
		c.resetStream(f.StreamID, http2.ErrCodeProtocol, errors.New("response header list too large"))
		return nil
	}

	c.mu.Lock()
	haveResp := s.resp != nil
	c.mu.Unlock()
	if haveResp {
		// Trailers must end the stream.
		if !f.StreamEnded() {
			c.resetStream(f.StreamID, http2.ErrCodeProtocol, errors.New("trailers without END_STREAM"))
			return nil
		}
		c.remoteEnd(s)
		return nil
	}

	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil || status < 100 || status > 999 {
		c.resetStream(f.StreamID, http2.ErrCodeProtocol, fmt.Errorf("malformed :status %q", f.PseudoValue("status")))
		return nil
	}
	if status >= 100 && status < 200 {
		if f.StreamEnded() {
			c.resetStream(f.StreamID, http2.ErrCodeProtocol, errors.New("informational response ended the stream"))
		}
		return nil
	}

	h := make(protocol.Header, 0, len(f.Fields))
	for _, hf := range f.RegularFields() {
		h.Add(hf.Name, hf.Value)
	}
	resp := &Response{
		StatusCode:    status,
		Proto:         protocol.HTTP2,
		Header:        h,
		ContentLength: contentLength(h),
		Body:          &h2Body{s: s},
	}
	c.mu.Lock()
	s.resp = resp
	c.mu.Unlock()
	s.signalHeaders()
	if f.StreamEnded() {
		c.remoteEnd(s)
	}
	return nil
}

// remoteEnd retires s before its body reports EOF, so a caller that reads
// to the end can open the next stream without hitting the peer's limit.
func (c *H2Conn) remoteEnd(s *h2Stream) {
	c.mu.Lock()
	s.remoteEnded = true
	var closeConn, reset bool
	if !s.localEnded && !s.finished {
		// The response is complete; stop uploading.
		s.localEnded = true
		closeConn = c.retireLocked(s)
		reset = true
	} else {
		closeConn = c.maybeFinishLocked(s)
	}
	c.mu.Unlock()
	s.body.CloseWithError(io.EOF)
	if reset {
		c.writeControl(func() error { return c.fr.WriteRSTStream(s.id, http2.ErrCodeNo) })
	}
	c.afterFinish(s, closeConn)
}

func (c *H2Conn) nextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextStreamID
}

func (c *H2Conn) onData(f *http2.DataFrame) error {
	n := int32(f.Length)
	c.mu.Lock()
	if n > c.inflow {
		c.mu.Unlock()
		return http2.ConnectionError(http2.ErrCodeFlowControl)
	}
	c.inflow -= n
	s := c.streams[f.StreamID]
	if s == nil {
		idle := f.StreamID >= c.nextStreamID
		c.mu.Unlock()
		if idle {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		c.consumed(nil, int(n))
		return nil
	}
	if s.resp == nil {
		c.mu.Unlock()
		c.consumed(nil, int(n))
		c.resetStream(f.StreamID, http2.ErrCodeProtocol, errors.New("DATA before HEADERS"))
		return nil
	}
	if n > s.inflow {
		c.mu.Unlock()
		c.consumed(nil, int(n))
		c.resetStream(f.StreamID, http2.ErrCodeFlowControl, errors.New("stream flow control window exceeded"))
		return nil
	}
	s.inflow -= n
	c.mu.Unlock()

	data := f.Data()
	if pad := int(n) - len(data); pad > 0 {
		c.consumed(s, pad)
	}
	if len(data) > 0 {
		if _, err := s.body.Write(data); err != nil {
			// Body already closed by the caller.
			c.consumed(nil, len(data))
		}
	}
	if f.StreamEnded() {
		c.remoteEnd(s)
	}
	return nil
}

func (c *H2Conn) onReset(f *http2.RSTStreamFrame) {
	s := c.stream(f.StreamID)
	if s == nil {
		return
	}
	klog.V(3).Infof("h2 %s: peer reset stream %d: %v", c.id, f.StreamID, f.ErrCode)
	err := &protocol.Error{
		Op: "h2 stream", Host: c.host, Category: protocol.ErrProtocol,
		Cause:    http2.StreamError{StreamID: f.StreamID, Code: f.ErrCode},
		StreamID: f.StreamID,
		NotSent:  f.ErrCode == http2.ErrCodeRefusedStream,
	}
	c.mu.Lock()
	if s.finished {
		c.mu.Unlock()
		return
	}
	closeConn := c.retireLocked(s)
	s.err = err
	c.mu.Unlock()
	s.signalHeaders()
	if dropped := s.body.Break(err); dropped > 0 {
		c.consumed(nil, dropped)
	}
	c.afterFinish(s, closeConn)
}

func (c *H2Conn) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var tableSize uint32
	var haveTableSize bool
	c.mu.Lock()
	err := f.ForeachSetting(func(st http2.Setting) error {
		if err := st.Valid(); err != nil {
			return err
		}
		switch st.ID {
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxStreams = st.Val
		case http2.SettingInitialWindowSize:
			delta := int32(st.Val) - c.peerInitWindow
			for _, s := range c.streams {
				s.sendWindow += delta
			}
			c.peerInitWindow = int32(st.Val)
		case http2.SettingMaxFrameSize:
			c.peerMaxFrame = st.Val
		case http2.SettingHeaderTableSize:
			tableSize, haveTableSize = st.Val, true
		}
		return nil
	})
	c.cond.Broadcast()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.writeControl(func() error {
		if haveTableSize {
			c.henc.SetMaxDynamicTableSizeLimit(tableSize)
		}
		return c.fr.WriteSettingsAck()
	})
	return nil
}

func (c *H2Conn) onWindowUpdate(f *http2.WindowUpdateFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.StreamID == 0 {
		if int64(c.sendWindow)+int64(f.Increment) > maxWindowSize {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		c.sendWindow += int32(f.Increment)
		c.cond.Broadcast()
		return nil
	}
	s := c.streams[f.StreamID]
	if s == nil {
		return nil
	}
	if int64(s.sendWindow)+int64(f.Increment) > maxWindowSize {
		id := f.StreamID
		go c.resetStream(id, http2.ErrCodeFlowControl, errors.New("stream send window overflow"))
		return nil
	}
	s.sendWindow += int32(f.Increment)
	c.cond.Broadcast()
	return nil
}

// onGoAway fails streams the peer never processed with retryable errors.
// NO_ERROR lets the rest finish (Draining); any other code closes the
// connection.
func (c *H2Conn) onGoAway(f *http2.GoAwayFrame) {
	klog.V(3).Infof("h2 %s: GOAWAY last=%d code=%v", c.id, f.LastStreamID, f.ErrCode)
	if f.ErrCode != http2.ErrCodeNo {
		c.mu.Lock()
		c.goAway, c.goAwayCode, c.lastStreamID = true, f.ErrCode, f.LastStreamID
		c.mu.Unlock()
		c.closeWithError(&protocol.Error{Op: "h2 goaway", Host: c.host, Category: protocol.ErrProtocol,
			Cause: fmt.Errorf("GOAWAY %v: %s", f.ErrCode, f.DebugData())})
		return
	}

	c.mu.Lock()
	c.goAway, c.goAwayCode, c.lastStreamID = true, f.ErrCode, f.LastStreamID
	c.state.advance(StateDraining)
	var refused []*h2Stream
	for id, s := range c.streams {
		if id > f.LastStreamID {
			refused = append(refused, s)
		}
	}
	var stops []func() bool
	for _, s := range refused {
		c.retireLocked(s)
		s.err = &protocol.Error{Op: "h2 goaway", Host: c.host, Category: protocol.ErrConnect,
			Cause: fmt.Errorf("%w: stream %d not processed before GOAWAY", ErrConnClosed, s.id), NotSent: true}
		if s.stop != nil {
			stops = append(stops, s.stop)
		}
	}
	closeConn := len(c.streams) == 0
	c.mu.Unlock()

	for _, s := range refused {
		s.signalHeaders()
		s.body.Break(s.err)
	}
	for _, stop := range stops {
		stop()
	}
	if closeConn {
		go c.Close()
	}
}
