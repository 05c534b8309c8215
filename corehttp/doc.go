// Package corehttp is a minimal low-level HTTP client core: it
// dispatches HTTP/1.1 and HTTP/2 requests to remote origins over
// reusable pooled connections, optionally via forward or tunneling
// HTTP proxies or SOCKS5 proxies.
//
// Highlights
//   - ConnectionPool: a concurrent dispatcher matching requests to
//     connections under capacity and keep-alive constraints, with
//     FIFO blocking when the pool is saturated.
//   - Protocol engines: hand-rolled HTTP/1.1 framing, HTTP/2 via
//     golang.org/x/net/http2 frames with HPACK and flow control.
//   - ALPN-based protocol selection at connect time; plain-text
//     HTTP/2 with prior knowledge.
//   - Proxies: absolute-form forwarding, CONNECT tunneling, SOCKS5.
//   - Pluggable network backend (TCP, Unix sockets, TLS upgrade);
//     a scripted mock backend for tests.
//   - Observability: plug-in Logger and Meter interfaces, plus a
//     per-request trace callback emitting paired step events.
//
// Quick start:
//
//	pool := corehttp.NewConnectionPool(corehttp.PoolOptions{})
//	defer pool.Close()
//	u, _ := corehttp.ParseURL("https://example.com/")
//	res, err := pool.RoundTrip(&corehttp.Request{Method: "GET", URL: u})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer res.Body.Close()
//	b, _ := io.ReadAll(res.Body)
//	fmt.Println(res.Status, len(b))
//
// Requests never follow redirects, decode content or parse cookies;
// this package is the transport core that such conveniences build on.
package corehttp
