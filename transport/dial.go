package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"k8s.io/klog/v2"
)

// DefaultAttemptDelay is the stagger between connection attempts
// (RFC 8305 recommends 250ms).
const DefaultAttemptDelay = 250 * time.Millisecond

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// RaceOptions tune DialRace.
type RaceOptions struct {
	// AttemptDelay is how long an attempt runs before the next address is
	// tried in parallel. Zero means DefaultAttemptDelay.
	AttemptDelay time.Duration
	// AttemptTimeout bounds each attempt. Zero leaves only ctx.
	AttemptTimeout time.Duration
	// Dial defaults to a net.Dialer.
	Dial DialFunc
}

// DialRace connects to the first reachable address in addrs. Attempts
// start in order, each AttemptDelay after the previous one or as soon as
// the previous one fails. The first success wins and the rest are
// cancelled; connections that complete late are closed.
func DialRace(ctx context.Context, addrs []string, opts RaceOptions) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no addresses to dial")
	}
	delay := opts.AttemptDelay
	if delay <= 0 {
		delay = DefaultAttemptDelay
	}
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, len(addrs))
	next, pending := 0, 0
	launch := func() {
		addr := addrs[next]
		next++
		pending++
		go func() {
			actx := ctx
			if opts.AttemptTimeout > 0 {
				var c context.CancelFunc
				actx, c = context.WithTimeout(ctx, opts.AttemptTimeout)
				defer c()
			}
			conn, err := dial(actx, "tcp", addr)
			results <- dialResult{addr, conn, err}
		}()
	}

	launch()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var errs []error
	for pending > 0 {
		var tick <-chan time.Time
		if next < len(addrs) {
			tick = timer.C
		}
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				if pending > 0 {
					go closeLosers(results, pending)
				}
				klog.V(2).Infof("dial: connected to %s", r.addr)
				return r.conn, nil
			}
			klog.V(3).Infof("dial: attempt to %s failed: %v", r.addr, r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.addr, r.err))
			if next < len(addrs) && ctx.Err() == nil {
				launch()
				timer.Reset(delay)
			}
		case <-tick:
			launch()
			timer.Reset(delay)
		}
	}
	return nil, errors.Join(errs...)
}

type dialResult struct {
	addr string
	conn net.Conn
	err  error
}

func closeLosers(results <-chan dialResult, n int) {
	for ; n > 0; n-- {
		if r := <-results; r.conn != nil {
			_ = r.conn.Close()
		}
	}
}
