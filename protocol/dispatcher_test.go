package protocol

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"

	"bitsserver/perfmetrics"
	"bitsserver/session"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Registry, string) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	root := t.TempDir()
	resolve, err := ResolveUnder(root)
	if err != nil {
		t.Fatalf("ResolveUnder failed: %v", err)
	}

	registry := session.NewRegistry(1000, 0, logger)
	return NewDispatcher(registry, resolve, logger, perfmetrics.New()), registry, root
}

func makeRequest(packetType, path, remote string, headers map[string]string, body []byte) *Request {
	hdr := make(http.Header)
	if packetType != "" {
		hdr.Set(HdrPacketType, packetType)
	}
	for key, value := range headers {
		hdr.Set(key, value)
	}
	return &Request{
		RemoteAddr: remote,
		Path:       path,
		Header:     hdr,
		Body:       bytes.NewReader(body),
	}
}

func createSession(t *testing.T, d *Dispatcher, path, remote string) string {
	t.Helper()

	resp := d.Dispatch(makeRequest("Create-Session", path, remote, map[string]string{
		HdrSupportedProtocols: ProtocolID,
	}, nil))
	if resp.Status != StatusOK {
		t.Fatalf("Create-Session status: expected %d, got %d", StatusOK, resp.Status)
	}
	id := resp.Header[HdrSessionID]
	if id == "" {
		t.Fatalf("Create-Session response missing session id")
	}
	return id
}

func sendFragment(t *testing.T, d *Dispatcher, sessionID string, start, end, total int64, payload string) *Response {
	t.Helper()

	return d.Dispatch(makeRequest("Fragment", "/upload.bin", "192.0.2.10", map[string]string{
		HdrSessionID:     sessionID,
		HdrContentLength: strconv.Itoa(len(payload)),
		HdrContentRange: "bytes " + strconv.FormatInt(start, 10) + "-" +
			strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(total, 10),
	}, []byte(payload)))
}

func TestCreateSessionAck(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Create-Session", "/upload.bin", "192.0.2.10", map[string]string{
		HdrSupportedProtocols: ProtocolID,
	}, nil))

	if resp.Status != StatusOK {
		t.Fatalf("status: expected %d, got %d", StatusOK, resp.Status)
	}
	if got := resp.Header[HdrPacketType]; got != PacketTypeAck {
		t.Fatalf("packet type: expected %s, got %s", PacketTypeAck, got)
	}
	if got := resp.Header[HdrProtocol]; got != ProtocolID {
		t.Fatalf("negotiated protocol: expected %s, got %s", ProtocolID, got)
	}
	if got := resp.Header[HdrAcceptEncoding]; got != "identity" {
		t.Fatalf("accept encoding: expected identity, got %s", got)
	}
	if got := resp.Header[HdrContentLength]; got != "0" {
		t.Fatalf("content length: expected 0, got %s", got)
	}
}

func TestCreateSessionProtocolMismatch(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Create-Session", "/upload.bin", "192.0.2.10", map[string]string{
		HdrSupportedProtocols: "{11111111-2222-3333-4444-555555555555}",
	}, nil))

	if resp.Status != StatusBadRequest {
		t.Fatalf("status: expected %d, got %d", StatusBadRequest, resp.Status)
	}
	if got := resp.Header[HdrErrorCode]; got != EInvalidArg {
		t.Fatalf("error code: expected %s, got %s", EInvalidArg, got)
	}
	if got := resp.Header[HdrErrorContext]; got != BGErrorContextRemoteFile {
		t.Fatalf("error context: expected %s, got %s", BGErrorContextRemoteFile, got)
	}
	if n := registry.ActiveSessions(); n != 0 {
		t.Fatalf("expected no session created on protocol mismatch, got %d", n)
	}
}

func TestCreateSessionMissingProtocolHeader(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Create-Session", "/upload.bin", "192.0.2.10", nil, nil))
	if resp.Status != StatusBadRequest {
		t.Fatalf("status: expected %d, got %d", StatusBadRequest, resp.Status)
	}
	if got := resp.Header[HdrErrorCode]; got != EInvalidArg {
		t.Fatalf("error code: expected %s, got %s", EInvalidArg, got)
	}
}

func TestCreateSessionMissingParentForbidden(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Create-Session", "/missing/dir/upload.bin", "192.0.2.10", map[string]string{
		HdrSupportedProtocols: ProtocolID,
	}, nil))

	if resp.Status != StatusForbidden {
		t.Fatalf("status: expected %d, got %d", StatusForbidden, resp.Status)
	}
	if got := resp.Header[HdrErrorCode]; got != EAccessDenied {
		t.Fatalf("error code: expected %s, got %s", EAccessDenied, got)
	}
	if got := resp.Header[HdrErrorContext]; got != BGErrorContextRemoteFile {
		t.Fatalf("error context: expected %s, got %s", BGErrorContextRemoteFile, got)
	}
}

func TestCreateSessionPathTraversalForbidden(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Create-Session", "/../outside.bin", "192.0.2.10", map[string]string{
		HdrSupportedProtocols: ProtocolID,
	}, nil))

	if resp.Status != StatusForbidden {
		t.Fatalf("status: expected %d, got %d", StatusForbidden, resp.Status)
	}
	if got := resp.Header[HdrErrorCode]; got != EAccessDenied {
		t.Fatalf("error code: expected %s, got %s", EAccessDenied, got)
	}
}

func TestCreateSessionConflict(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	createSession(t, d, "/upload.bin", "192.0.2.10")

	// A different client addressing the same target derives a different
	// session id but must not get the claimed path.
	resp := d.Dispatch(makeRequest("Create-Session", "/upload.bin", "192.0.2.99", map[string]string{
		HdrSupportedProtocols: ProtocolID,
	}, nil))
	if resp.Status != StatusConflict {
		t.Fatalf("status: expected %d, got %d", StatusConflict, resp.Status)
	}
}

func TestUploadRoundTrip(t *testing.T) {
	d, _, root := newTestDispatcher(t)

	sessionID := createSession(t, d, "/upload.bin", "192.0.2.10")

	resp := sendFragment(t, d, sessionID, 0, 4, 10, "HELLO")
	if resp.Status != StatusOK {
		t.Fatalf("fragment 1 status: expected %d, got %d", StatusOK, resp.Status)
	}
	if got := resp.Header[HdrReceivedContentRange]; got != "5" {
		t.Fatalf("received content range: expected 5, got %s", got)
	}

	resp = sendFragment(t, d, sessionID, 5, 9, 10, "WORLD")
	if resp.Status != StatusOK {
		t.Fatalf("fragment 2 status: expected %d, got %d", StatusOK, resp.Status)
	}
	if got := resp.Header[HdrReceivedContentRange]; got != "10" {
		t.Fatalf("received content range: expected 10, got %s", got)
	}

	data, err := os.ReadFile(filepath.Join(root, "upload.bin"))
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(data) != "HELLOWORLD" {
		t.Fatalf("file content: expected HELLOWORLD, got %q", data)
	}

	resp = d.Dispatch(makeRequest("Close-Session", "/upload.bin", "192.0.2.10", map[string]string{
		HdrSessionID: sessionID,
	}, nil))
	if resp.Status != StatusOK {
		t.Fatalf("close status: expected %d, got %d", StatusOK, resp.Status)
	}

	// The session is gone; closing again is a bad request.
	resp = d.Dispatch(makeRequest("Close-Session", "/upload.bin", "192.0.2.10", map[string]string{
		HdrSessionID: sessionID,
	}, nil))
	if resp.Status != StatusBadRequest {
		t.Fatalf("double close status: expected %d, got %d", StatusBadRequest, resp.Status)
	}
}

func TestOverlappingUploadRoundTrip(t *testing.T) {
	d, _, root := newTestDispatcher(t)

	sessionID := createSession(t, d, "/overlap.bin", "192.0.2.10")

	if resp := sendFragment(t, d, sessionID, 0, 4, 10, "HELLO"); resp.Status != StatusOK {
		t.Fatalf("fragment 1 status: expected %d, got %d", StatusOK, resp.Status)
	}
	if resp := sendFragment(t, d, sessionID, 3, 9, 10, "LOWORLD"); resp.Status != StatusOK {
		t.Fatalf("fragment 2 status: expected %d, got %d", StatusOK, resp.Status)
	}

	data, err := os.ReadFile(filepath.Join(root, "overlap.bin"))
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(data) != "HELLOWORLD" {
		t.Fatalf("file content: expected HELLOWORLD, got %q", data)
	}
}

func TestFragmentGapNotSatisfiable(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	sessionID := createSession(t, d, "/gap.bin", "192.0.2.10")

	if resp := sendFragment(t, d, sessionID, 0, 4, 10, "HELLO"); resp.Status != StatusOK {
		t.Fatalf("fragment 1 status: expected %d, got %d", StatusOK, resp.Status)
	}

	resp := sendFragment(t, d, sessionID, 6, 9, 10, "ORLD")
	if resp.Status != StatusRangeNotSatisfiable {
		t.Fatalf("status: expected %d, got %d", StatusRangeNotSatisfiable, resp.Status)
	}
	if got := resp.Header[HdrErrorCode]; got != HResultZero {
		t.Fatalf("error code: expected %s, got %s", HResultZero, got)
	}
	if got := resp.Header[HdrErrorContext]; got != BGErrorContextRemoteFile {
		t.Fatalf("error context: expected %s, got %s", BGErrorContextRemoteFile, got)
	}
}

func TestFragmentTooLargeInternalError(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	sessionID := createSession(t, d, "/big.bin", "192.0.2.10")

	payload := bytes.Repeat([]byte("A"), 2001)
	resp := sendFragment(t, d, sessionID, 0, 2000, 4000, string(payload))
	if resp.Status != StatusInternalServerError {
		t.Fatalf("status: expected %d, got %d", StatusInternalServerError, resp.Status)
	}
	if got := resp.Header[HdrErrorCode]; got != BGETooLarge {
		t.Fatalf("error code: expected %s, got %s", BGETooLarge, got)
	}
	if got := resp.Header[HdrErrorContext]; got != BGErrorContextRemoteFile {
		t.Fatalf("error context: expected %s, got %s", BGErrorContextRemoteFile, got)
	}
}

func TestFragmentUnknownSession(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := sendFragment(t, d, "{never-created}", 0, 4, 10, "HELLO")
	if resp.Status != StatusBadRequest {
		t.Fatalf("status: expected %d, got %d", StatusBadRequest, resp.Status)
	}
}

func TestFragmentMalformedHeaders(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	sessionID := createSession(t, d, "/malformed.bin", "192.0.2.10")

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{"missing session id", map[string]string{
			HdrContentLength: "5",
			HdrContentRange:  "bytes 0-4/10",
		}},
		{"missing content length", map[string]string{
			HdrSessionID:    sessionID,
			HdrContentRange: "bytes 0-4/10",
		}},
		{"missing content range", map[string]string{
			HdrSessionID:     sessionID,
			HdrContentLength: "5",
		}},
		{"garbled content range", map[string]string{
			HdrSessionID:     sessionID,
			HdrContentLength: "5",
			HdrContentRange:  "bytes zero-four/ten",
		}},
		{"inverted range", map[string]string{
			HdrSessionID:     sessionID,
			HdrContentLength: "5",
			HdrContentRange:  "bytes 4-0/10",
		}},
		{"length range mismatch", map[string]string{
			HdrSessionID:     sessionID,
			HdrContentLength: "3",
			HdrContentRange:  "bytes 0-4/10",
		}},
	}

	for _, tc := range cases {
		resp := d.Dispatch(makeRequest("Fragment", "/malformed.bin", "192.0.2.10", tc.headers, []byte("HELLO")))
		if resp.Status != StatusBadRequest {
			t.Fatalf("%s: expected %d, got %d", tc.name, StatusBadRequest, resp.Status)
		}
	}
}

func TestCancelSessionReleasesClaim(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)

	sessionID := createSession(t, d, "/cancel.bin", "192.0.2.10")

	resp := d.Dispatch(makeRequest("Cancel-Session", "/cancel.bin", "192.0.2.10", map[string]string{
		HdrSessionID: sessionID,
	}, nil))
	if resp.Status != StatusOK {
		t.Fatalf("cancel status: expected %d, got %d", StatusOK, resp.Status)
	}
	if n := registry.ActiveSessions(); n != 0 {
		t.Fatalf("expected no sessions after cancel, got %d", n)
	}

	// The path claim is released; a fresh client can now take it.
	resp = d.Dispatch(makeRequest("Create-Session", "/cancel.bin", "192.0.2.99", map[string]string{
		HdrSupportedProtocols: ProtocolID,
	}, nil))
	if resp.Status != StatusOK {
		t.Fatalf("create after cancel: expected %d, got %d", StatusOK, resp.Status)
	}
}

func TestCloseSessionMissingID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Close-Session", "/x.bin", "192.0.2.10", nil, nil))
	if resp.Status != StatusBadRequest {
		t.Fatalf("status: expected %d, got %d", StatusBadRequest, resp.Status)
	}
}

func TestPing(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Ping", "/", "192.0.2.10", nil, nil))
	if resp.Status != StatusOK {
		t.Fatalf("status: expected %d, got %d", StatusOK, resp.Status)
	}
	if got := resp.Header[HdrPacketType]; got != PacketTypeAck {
		t.Fatalf("packet type: expected %s, got %s", PacketTypeAck, got)
	}
	if got := resp.Header[HdrErrorCode]; got != "1" {
		t.Fatalf("error code: expected 1, got %s", got)
	}
	if got, exists := resp.Header[HdrErrorContext]; !exists || got != "" {
		t.Fatalf("error context: expected empty, got %q (present=%v)", got, exists)
	}
}

func TestUnknownPacketType(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.Dispatch(makeRequest("Self-Destruct", "/x.bin", "192.0.2.10", nil, nil))
	if resp.Status != StatusBadRequest {
		t.Fatalf("status: expected %d, got %d", StatusBadRequest, resp.Status)
	}
	if got := resp.Header[HdrErrorCode]; got != EInvalidArg {
		t.Fatalf("error code: expected %s, got %s", EInvalidArg, got)
	}
	if got := resp.Header[HdrErrorContext]; got != BGErrorContextRemoteFile {
		t.Fatalf("error context: expected %s, got %s", BGErrorContextRemoteFile, got)
	}
}
