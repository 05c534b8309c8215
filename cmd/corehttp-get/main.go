package main

import (
	"flag"
	"fmt"
	"io"
	"log"

	"dqx0.com/go/corehttp/corehttp"
)

func main() {
	http2 := flag.Bool("http2", false, "offer HTTP/2 via ALPN")
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("usage: corehttp-get [-http2] <url>")
	}

	u, err := corehttp.ParseURL(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	pool := corehttp.NewConnectionPool(corehttp.PoolOptions{
		HTTP1: true,
		HTTP2: *http2,
	})
	defer pool.Close()

	res, err := pool.RoundTrip(&corehttp.Request{Method: "GET", URL: u})
	if err != nil {
		log.Fatal(err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s %d (%d bytes)\n", res.Extensions.HTTPVersion, res.Status, len(b))
}
