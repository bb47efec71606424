package protocol

import (
	"io"
	"net/http"
)

// Request is the transport-neutral view of one inbound BITS packet. The
// HTTP layer fills it from the request line, headers, and body; the
// dispatcher never touches the underlying connection.
type Request struct {
	// RemoteAddr is the client identity token, typically the peer IP.
	RemoteAddr string
	// Path is the requested resource path below the upload root.
	Path string
	// Header holds the protocol headers, case-insensitive per http.Header.
	Header http.Header
	// Body delivers the fragment payload bytes.
	Body io.Reader
}

// Response describes the wire reply for one packet: an HTTP status code and
// the protocol headers to emit. Bodies are always empty for BITS control
// responses.
type Response struct {
	Status int
	Header map[string]string
}

// newAckResponse returns the baseline acknowledgment every handler starts
// from.
func newAckResponse() *Response {
	return &Response{
		Status: StatusOK,
		Header: map[string]string{
			HdrPacketType:    PacketTypeAck,
			HdrContentLength: "0",
		},
	}
}

// WriteTo emits the response headers and status code.
func (resp *Response) WriteTo(w http.ResponseWriter) {
	for key, value := range resp.Header {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.Status)
}
