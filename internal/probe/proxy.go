package probe

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kaihochak/tallr/internal/common/logger"
)

// apiOrigin matches the agent API hosts the proxy instruments (spec §4.2:
// "*.anthropic.com, claude.ai"). Traffic to any other host is spliced
// through untouched and untraced.
var apiOrigin = regexp.MustCompile(`(^|\.)anthropic\.com$|^claude\.ai$`)

// Proxy is the out-of-process reinterpretation of spec §4.2's "global fetch
// primitive replacement": a loopback CONNECT proxy that emits
// fetch-start/fetch-end telemetry for requests to the agent's API origin
// and passes every other host through as an untouched byte splice. It never
// terminates TLS and never reads request/response bodies (spec §9: "do not
// attempt to clone or read request bodies").
type Proxy struct {
	listener net.Listener
	events   chan Event
	nextID   int64
	log      *logger.Logger
}

// NewProxy starts listening on an ephemeral loopback port.
func NewProxy(log *logger.Logger) (*Proxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &Proxy{listener: ln, events: make(chan Event, 64), log: log}, nil
}

// Addr returns the "host:port" the child should point HTTPS_PROXY/HTTP_PROXY
// at.
func (p *Proxy) Addr() string {
	return p.listener.Addr().String()
}

// Events returns the telemetry channel. The caller (State Tracker) must
// keep draining it; Serve drops a frame rather than block if the buffer
// fills (spec §4.2 malformed/unhandled frames are silently dropped — a
// full buffer is the local-proxy analog of that same non-blocking posture).
func (p *Proxy) Events() <-chan Event {
	return p.events
}

// Serve accepts connections until the listener is closed. Run it in its
// own goroutine.
func (p *Proxy) Serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

// Close stops accepting new connections.
func (p *Proxy) Close() error {
	return p.listener.Close()
}

func (p *Proxy) handle(client net.Conn) {
	defer client.Close()

	reader := bufio.NewReader(client)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}

	if req.Method != http.MethodConnect {
		// Plain (non-TLS) HTTP proxy request: dial and splice, same
		// telemetry rule as CONNECT.
		p.proxyPlain(client, reader, req)
		return
	}

	host := req.URL.Host
	upstream, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		_, _ = client.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upstream.Close()

	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	traced := apiOrigin.MatchString(hostOnly(host))
	var id int64
	if traced {
		id = atomic.AddInt64(&p.nextID, 1)
		p.emit(Event{Type: EventFetchStart, ID: id, Hostname: hostOnly(host), Method: "CONNECT", T: now()})
	}

	splice(client, upstream)

	if traced {
		p.emit(Event{Type: EventFetchEnd, ID: id, T: now()})
	}
}

func (p *Proxy) proxyPlain(client net.Conn, reader *bufio.Reader, req *http.Request) {
	host := req.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	upstream, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		return
	}
	defer upstream.Close()

	traced := apiOrigin.MatchString(hostOnly(host))
	var id int64
	if traced {
		id = atomic.AddInt64(&p.nextID, 1)
		p.emit(Event{Type: EventFetchStart, ID: id, Hostname: hostOnly(host), Path: req.URL.Path, Method: req.Method, T: now()})
	}

	if err := req.Write(upstream); err != nil {
		return
	}
	splice(client, upstream, reader)

	if traced {
		p.emit(Event{Type: EventFetchEnd, ID: id, T: now()})
	}
}

// emit sends a telemetry frame without blocking the proxy's hot path.
func (p *Proxy) emit(e Event) {
	select {
	case p.events <- e:
	default:
		p.log.Warn("telemetry channel full, dropping frame")
	}
}

// splice copies bytes in both directions and returns once both copies have
// finished, exactly the "both-branches settle" contract from spec §4.2: fetch-end is
// only emitted once neither direction is still moving data.
func splice(a, b net.Conn, preBuffered ...*bufio.Reader) {
	done := make(chan struct{}, 2)
	go func() {
		if len(preBuffered) > 0 {
			_, _ = io.Copy(b, preBuffered[0])
		} else {
			_, _ = io.Copy(b, a)
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	<-done
	<-done
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

var now = time.Now
