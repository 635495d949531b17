package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/namikmesic/cc-wiretap/internal/interceptor"
	"github.com/namikmesic/cc-wiretap/internal/metrics"
	"github.com/namikmesic/cc-wiretap/internal/server"
)

type ServerOptions struct {
	// CA signs leaf certificates for intercepted tunnels. Nil falls back to
	// goproxy's built-in CA, which clients will not trust.
	CA          *CA
	Gate        *interceptor.Gate
	Binding     *Binding
	Metrics     *metrics.Metrics
	// UpstreamTLS replaces the client TLS config used towards upstreams,
	// e.g. to trust a private root.
	UpstreamTLS *tls.Config
	Verbose     bool
}

// Server is the local forward proxy. CONNECT tunnels to monitored hosts are
// intercepted with the local CA; every other tunnel is relayed opaquely.
type Server struct {
	proxy     *goproxy.ProxyHttpServer
	binding   *Binding
	gate      *interceptor.Gate
	metrics   *metrics.Metrics
	transport *http.Transport
}

func NewServer(opts ServerOptions) *Server {
	gate := opts.Gate
	if gate == nil {
		gate = interceptor.DefaultGate()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Never route upstream traffic back through a proxy from the environment,
	// which is usually this one.
	transport.Proxy = nil
	transport.DisableCompression = true
	if opts.UpstreamTLS != nil {
		transport.TLSClientConfig = opts.UpstreamTLS.Clone()
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Verbose = opts.Verbose
	gp.Logger = goproxyLogger{}
	gp.Tr = transport
	gp.ConnectDial = nil
	gp.KeepAcceptEncoding = true
	gp.CertStore = newCertStore()

	s := &Server{
		proxy:     gp,
		binding:   opts.Binding,
		gate:      gate,
		metrics:   opts.Metrics,
		transport: transport,
	}

	ca := &goproxy.GoproxyCa
	if opts.CA != nil {
		ca = &opts.CA.Cert
	}
	mitm := &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(ca)}

	gp.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if s.gate.MatchHost(host) {
			log.Debug().Str("host", host).Msg("intercepting tunnel")
			return mitm, host
		}
		s.metrics.Passthrough()
		return goproxy.OkConnect, host
	})
	gp.OnRequest().DoFunc(s.onRequest)
	gp.OnResponse().DoFunc(s.onResponse)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.proxy
}

func (s *Server) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if s.binding != nil && s.binding.BeforeRequest(req, ctx.Session) {
		ctx.RoundTripper = goproxy.RoundTripperFunc(s.trackedRoundTrip)
	}
	return req, nil
}

// trackedRoundTrip reports transport failures itself, since goproxy skips
// response handlers for failed round trips inside intercepted tunnels.
func (s *Server) trackedRoundTrip(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		s.binding.TransportError(ctx.Session, err)
	}
	return resp, err
}

func (s *Server) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if s.binding == nil {
		return resp
	}
	return s.binding.BeforeResponse(resp, ctx.Session, ctx.Error)
}

// ListenAndServe serves the proxy on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return server.ListenAndServe(ctx, addr, s.proxy)
}

// certStore caches signed leaf certificates per hostname.
type certStore struct {
	mu     sync.RWMutex
	certs  map[string]*tls.Certificate
	flight singleflight.Group
}

func newCertStore() *certStore {
	return &certStore{certs: make(map[string]*tls.Certificate)}
}

func (c *certStore) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	c.mu.RLock()
	cert, ok := c.certs[hostname]
	c.mu.RUnlock()
	if ok {
		return cert, nil
	}

	v, err, _ := c.flight.Do(hostname, func() (any, error) {
		cert, err := gen()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.certs[hostname] = cert
		c.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

type goproxyLogger struct{}

func (goproxyLogger) Printf(format string, v ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if strings.Contains(msg, "WARN:") {
		log.Warn().Str("component", "goproxy").Msg(msg)
		return
	}
	log.Debug().Str("component", "goproxy").Msg(msg)
}
