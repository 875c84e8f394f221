package httpx

import (
	"fmt"
	"net/http"
	"strings"
)

// ProductHeader is attached to every response the relay writes on behalf of a session.
const ProductHeader = "X-Tunnelrelay"

// ErrorResponse renders a complete HTTP/1.1 plain-text response. An empty
// message falls back to the status text.
func ErrorResponse(status int, message, product string) []byte {
	if message == "" {
		message = http.StatusText(status)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(message))
	sb.WriteString("Cache-Control: no-store\r\n")
	sb.WriteString("Connection: close\r\n")
	if product != "" {
		fmt.Fprintf(&sb, "%s: %s\r\n", ProductHeader, product)
	}
	sb.WriteString("\r\n")
	sb.WriteString(message)
	return []byte(sb.String())
}
