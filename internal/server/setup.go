package server

import (
	"net/http"
	"strconv"
	"text/template"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

var bashScript = template.Must(template.New("bash").Parse(`#!/bin/bash
# Claude Wiretap terminal setup: routes this shell's traffic through the proxy.

export HTTP_PROXY="{{.ProxyURL}}"
export HTTPS_PROXY="{{.ProxyURL}}"
export http_proxy="{{.ProxyURL}}"
export https_proxy="{{.ProxyURL}}"

export NODE_EXTRA_CA_CERTS="{{.CAPath}}"
export SSL_CERT_FILE="{{.CAPath}}"
export REQUESTS_CA_BUNDLE="{{.CAPath}}"
export CURL_CA_BUNDLE="{{.CAPath}}"
export GIT_SSL_CAINFO="{{.CAPath}}"
export AWS_CA_BUNDLE="{{.CAPath}}"

export NO_PROXY="localhost,127.0.0.1,::1"
export no_proxy="localhost,127.0.0.1,::1"
export WIRETAP_ACTIVE="1"

echo ""
echo "  Claude Wiretap proxy configured for this terminal"
echo "  Proxy:  {{.ProxyURL}}"
echo "  CA:     {{.CAPath}}"
echo "  Run 'unset-wiretap' to disable."
echo ""

unset-wiretap() {
  unset HTTP_PROXY HTTPS_PROXY http_proxy https_proxy
  unset NODE_EXTRA_CA_CERTS SSL_CERT_FILE REQUESTS_CA_BUNDLE
  unset CURL_CA_BUNDLE GIT_SSL_CAINFO AWS_CA_BUNDLE
  unset NO_PROXY no_proxy WIRETAP_ACTIVE
  echo "Wiretap proxy disabled for this terminal"
}
export -f unset-wiretap 2>/dev/null || true
`))

var fishScript = template.Must(template.New("fish").Parse(`# Claude Wiretap terminal setup for fish

set -gx HTTP_PROXY "{{.ProxyURL}}"
set -gx HTTPS_PROXY "{{.ProxyURL}}"
set -gx http_proxy "{{.ProxyURL}}"
set -gx https_proxy "{{.ProxyURL}}"
set -gx NODE_EXTRA_CA_CERTS "{{.CAPath}}"
set -gx SSL_CERT_FILE "{{.CAPath}}"
set -gx REQUESTS_CA_BUNDLE "{{.CAPath}}"
set -gx CURL_CA_BUNDLE "{{.CAPath}}"
set -gx GIT_SSL_CAINFO "{{.CAPath}}"
set -gx AWS_CA_BUNDLE "{{.CAPath}}"
set -gx NO_PROXY "localhost,127.0.0.1,::1"
set -gx no_proxy "localhost,127.0.0.1,::1"
set -gx WIRETAP_ACTIVE "1"

echo ""
echo "  Claude Wiretap proxy configured for this terminal"
echo "  Proxy:  {{.ProxyURL}}"
echo "  CA:     {{.CAPath}}"
echo ""

function unset-wiretap
  set -e HTTP_PROXY HTTPS_PROXY http_proxy https_proxy
  set -e NODE_EXTRA_CA_CERTS SSL_CERT_FILE REQUESTS_CA_BUNDLE
  set -e CURL_CA_BUNDLE GIT_SSL_CAINFO AWS_CA_BUNDLE
  set -e NO_PROXY no_proxy WIRETAP_ACTIVE
  echo "Wiretap proxy disabled"
end
`))

type SetupOptions struct {
	ProxyPort int
	CAPath    string
	// CACert is the PEM certificate served on /ca.pem. Empty disables the route.
	CACert    []byte
}

type setup struct {
	opts     SetupOptions
	proxyURL string
}

// NewSetupRouter serves the shell setup script on / and /setup
// (?shell=bash|fish), the CA certificate on /ca.pem and a small JSON status
// on /status.
func NewSetupRouter(opts SetupOptions) http.Handler {
	s := &setup{opts: opts, proxyURL: ProxyURL(opts.ProxyPort)}

	router := chi.NewRouter()
	router.Use(allowAnyOrigin)
	router.Get("/", s.handleScript)
	router.Get("/setup", s.handleScript)
	router.Get("/status", s.handleStatus)
	if len(opts.CACert) > 0 {
		router.Get("/ca.pem", s.handleCACert)
	}
	return router
}

// ProxyURL is the address clients on this machine use for the proxy.
func ProxyURL(port int) string {
	return "http://localhost:" + strconv.Itoa(port)
}

// SetupCommand is the one-liner that configures a shell.
func SetupCommand(setupPort int) string {
	return `eval "$(curl -s http://localhost:` + strconv.Itoa(setupPort) + `/setup)"`
}

func (s *setup) handleScript(w http.ResponseWriter, r *http.Request) {
	tmpl := bashScript
	if r.URL.Query().Get("shell") == "fish" {
		tmpl = fishScript
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	err := tmpl.Execute(w, struct{ ProxyURL, CAPath string }{s.proxyURL, s.opts.CAPath})
	if err != nil {
		log.Error().Err(err).Str("shell", tmpl.Name()).Msg("failed to render setup script")
	}
}

func (s *setup) handleCACert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="wiretap-ca.pem"`)
	w.Write(s.opts.CACert)
}

func (s *setup) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    true,
		"proxyPort": s.opts.ProxyPort,
		"caPath":    s.opts.CAPath,
	})
}
