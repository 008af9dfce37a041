package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"
)

// configureHTTP2 enables HTTP/2 on tr unless a proxy sits in the path or the
// DISABLE_HTTP2 toggle is set. Proxies often break HTTP/2 multiplexing
// mid-transfer; FORCE_HTTP2=true overrides that for power users.
func configureHTTP2(tr *nethttp.Transport, proxyActive bool) {
	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" || (proxyActive && os.Getenv("FORCE_HTTP2") != "true") {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}
}

// systemProxySet reports whether the environment configures a proxy.
func systemProxySet() bool {
	return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
		os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
}
