// Command wirecloak lists profiles, prints the fingerprint a profile
// produces and fetches URLs with it.
//
//	wirecloak profiles
//	wirecloak fingerprint chrome-143
//	wirecloak get -profile firefox-133 https://example.com
//
// WIRECLOAK_PROFILE, WIRECLOAK_PROXY and WIRECLOAK_DNS set defaults and may
// come from a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"k8s.io/klog/v2"

	"github.com/sardanioss/wirecloak/client"
	"github.com/sardanioss/wirecloak/fingerprint"
	"github.com/sardanioss/wirecloak/protocol"
	"github.com/sardanioss/wirecloak/transport"
)

const usage = `usage: wirecloak [-v=N] <command> [args]

commands:
  profiles                 list profiles with their JA3 and Akamai fingerprints
  fingerprint <profile>    capture the ClientHello a profile sends and print JA3/JA4
  get [flags] <url>        fetch a URL
`

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	defer klog.Flush()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("loading .env: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch args[0] {
	case "profiles":
		err = listProfiles(os.Stdout)
	case "fingerprint":
		if len(args) < 2 {
			err = errors.New("fingerprint: missing profile name")
			break
		}
		err = printFingerprint(ctx, os.Stdout, args[1])
	case "get":
		err = get(ctx, os.Stdout, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			fmt.Fprintf(os.Stderr, "wirecloak: [%s] %v\n", protocol.Code(err), err)
		} else {
			fmt.Fprintln(os.Stderr, "wirecloak:", err)
		}
		klog.Flush()
		os.Exit(1)
	}
}

func listProfiles(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tJA3 HASH\tAKAMAI")
	for _, name := range fingerprint.Names() {
		p, err := fingerprint.Lookup(name)
		if err != nil {
			return err
		}
		akamai := "-"
		if p.HTTP2 != nil {
			akamai = p.HTTP2.Akamai()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, p.TLS.JA3Hash(), akamai)
	}
	return tw.Flush()
}

// captureResolver answers every lookup with a documentation address; the
// capture dialer never connects to it.
type captureResolver struct{}

func (captureResolver) Resolve(context.Context, string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("192.0.2.1")}, nil
}

// captureHello runs a real handshake for name into an in-process pipe and
// returns the ClientHello that came out of it.
func captureHello(ctx context.Context, name, host string) (*fingerprint.ClientHello, error) {
	p, err := fingerprint.Lookup(name)
	if err != nil {
		return nil, err
	}
	records := make(chan []byte, 1)
	readErr := make(chan error, 1)
	c := &transport.Connector{
		Resolver:            captureResolver{},
		HandshakeTimeout:    5 * time.Second,
		DisableSessionCache: true,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			local, remote := net.Pipe()
			go func() {
				defer remote.Close()
				rec, err := fingerprint.ReadClientHello(remote)
				if err != nil {
					readErr <- err
					return
				}
				records <- rec
			}()
			return local, nil
		},
	}
	conn, _, err := c.Connect(ctx, transport.Target{Scheme: "https", Host: host, Port: "443"}, p)
	if err == nil {
		conn.Close()
	} else if !errors.Is(err, protocol.ErrTLS) {
		return nil, err
	}
	select {
	case rec := <-records:
		return fingerprint.ParseClientHello(rec)
	case err := <-readErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func printFingerprint(ctx context.Context, w io.Writer, name string) error {
	hello, err := captureHello(ctx, name, "example.com")
	if err != nil {
		return err
	}
	p, _ := fingerprint.Lookup(name)
	fmt.Fprintf(w, "profile:  %s\n", name)
	fmt.Fprintf(w, "ja3:      %s\n", hello.JA3())
	fmt.Fprintf(w, "ja3 hash: %s\n", hello.JA3Hash())
	fmt.Fprintf(w, "ja4:      %s\n", hello.JA4())
	if p.HTTP2 != nil {
		fmt.Fprintf(w, "akamai:   %s\n", p.HTTP2.Akamai())
	}
	return nil
}

type headerFlag []string

func (h *headerFlag) String() string     { return strings.Join(*h, ", ") }
func (h *headerFlag) Set(v string) error { *h = append(*h, v); return nil }

func get(ctx context.Context, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	profile := fs.String("profile", envOr("WIRECLOAK_PROFILE", fingerprint.DefaultProfile), "profile name")
	proxyURL := fs.String("proxy", os.Getenv("WIRECLOAK_PROXY"), "proxy URL (http, https, socks4, socks5)")
	dnsServer := fs.String("dns", os.Getenv("WIRECLOAK_DNS"), "DNS server host:port; system resolver when empty")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	include := fs.Bool("i", false, "print the status line and headers")
	insecure := fs.Bool("k", false, "skip certificate verification")
	var headers headerFlag
	fs.Var(&headers, "H", "request header 'Name: value' (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get: expected exactly one URL")
	}

	opts := []client.Option{
		client.WithProfile(*profile),
		client.WithTimeout(*timeout),
		client.WithProxy(*proxyURL),
		client.WithDNSServer(*dnsServer),
	}
	if *insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	c, err := client.New(opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	req := client.NewRequest("GET", fs.Arg(0))
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("get: malformed header %q", h)
		}
		req.AddHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Close()

	if *include {
		fmt.Fprintln(w, strings.TrimSpace(fmt.Sprintf("%s %d %s", resp.Proto, resp.StatusCode, resp.Status)))
		for _, f := range resp.Header {
			fmt.Fprintf(w, "%s: %s\n", f.Name, f.Value)
		}
		fmt.Fprintln(w)
	}
	for chunk, err := range resp.Chunks() {
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
