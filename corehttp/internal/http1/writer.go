package http1

import (
	"bufio"
	"fmt"

	"golang.org/x/net/http/httpguts"
)

// WriteRequestLine emits "METHOD target HTTP/1.1\r\n". target is
// either origin-form or, for forward proxies, absolute-form.
func WriteRequestLine(bw *bufio.Writer, method, target string) error {
	_, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", method, target)
	return err
}

// WriteHeader emits one header line. The name and value must already
// have passed ValidHeaderName/ValidHeaderValue; nothing is escaped
// here, so unvalidated input must never reach this function.
func WriteHeader(bw *bufio.Writer, name, value string) error {
	_, err := fmt.Fprintf(bw, "%s: %s\r\n", name, value)
	return err
}

// EndHeaders terminates the header block.
func EndHeaders(bw *bufio.Writer) error {
	_, err := bw.WriteString("\r\n")
	return err
}

// ValidHeaderName returns name when it is a valid field name token,
// empty string otherwise.
func ValidHeaderName(name string) string {
	if name == "" || !httpguts.ValidHeaderFieldName(name) {
		return ""
	}
	return name
}

// ValidHeaderValue reports whether value may appear on the wire. This
// is the single injection gate: it rejects CR, LF and other control
// bytes, so writers need no separate sanitisation pass.
func ValidHeaderValue(value string) bool {
	return httpguts.ValidHeaderFieldValue(value)
}
