package interceptor

import (
	"net/http"
	"strings"
)

// Defaults for the monitored API family.
var (
	DefaultHosts = []string{"api.anthropic.com", "api.claude.ai"}
	DefaultPath  = "/v1/messages"
)

// Gate decides from method, host and path alone whether traffic belongs to
// the monitored API. It never touches a request body.
type Gate struct {
	hosts []string
	path  string
}

func NewGate(hosts []string, path string) *Gate {
	g := &Gate{path: path}
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			g.hosts = append(g.hosts, strings.ToLower(h))
		}
	}
	return g
}

func DefaultGate() *Gate {
	return NewGate(DefaultHosts, DefaultPath)
}

// MatchHost reports whether host contains any monitored hostname. It is also
// used at CONNECT time to pick which tunnels get intercepted.
func (g *Gate) MatchHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range g.hosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

func (g *Gate) Match(method, host, path string) bool {
	return method == http.MethodPost &&
		strings.Contains(path, g.path) &&
		g.MatchHost(host)
}

func (g *Gate) ShouldIntercept(r *http.Request) bool {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	var path string
	if r.URL != nil {
		path = r.URL.Path
	}
	return g.Match(r.Method, host, path)
}

func (g *Gate) Hosts() []string {
	return append([]string(nil), g.hosts...)
}
