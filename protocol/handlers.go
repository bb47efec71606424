package protocol

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"bitsserver/session"
)

// handleCreateSession negotiates the protocol version and registers the
// upload session for the requested resource. The session id is derived from
// the client address and the resource path, so a repeated Create-Session for
// the same job returns the existing session and its recorded status.
func (d *Dispatcher) handleCreateSession(req *Request) *Response {
	d.logger.WithFields(logrus.Fields{
		"remote": req.RemoteAddr,
		"path":   req.Path,
	}).Info("CREATE-SESSION received")

	resp := newAckResponse()

	negotiated, ok := negotiateProtocol(req.Header.Get(HdrSupportedProtocols))
	if !ok {
		resp.Status = StatusBadRequest
		resp.Header[HdrErrorCode] = EInvalidArg
		resp.Header[HdrErrorContext] = BGErrorContextRemoteFile
		d.logger.WithFields(logrus.Fields{
			"requested": req.Header.Get(HdrSupportedProtocols),
			"context":   BGErrorContextRemoteFile,
			"code":      EInvalidArg,
		}).Error("Failed to create session, no mutually supported protocol version")
		return resp
	}
	resp.Header[HdrProtocol] = negotiated

	sessionID := session.DeriveSessionID(req.RemoteAddr, req.Path)
	resp.Header[HdrSessionID] = sessionID

	targetPath, err := d.resolve(req.Path)
	if err != nil {
		resp.Status = StatusForbidden
		resp.Header[HdrErrorCode] = EAccessDenied
		resp.Header[HdrErrorContext] = BGErrorContextRemoteFile
		d.logger.WithFields(logrus.Fields{
			"path":    req.Path,
			"error":   err,
			"context": BGErrorContextRemoteFile,
			"code":    EAccessDenied,
		}).Error("Failed to create session, upload target rejected")
		return resp
	}

	_, status := d.registry.CreateOrGet(sessionID, targetPath)

	switch status {
	case session.StatusOK:
		resp.Header[HdrAcceptEncoding] = "identity"
		d.metrics.SessionsCreated.Inc()
	case session.StatusForbidden:
		resp.Status = StatusForbidden
		resp.Header[HdrErrorCode] = EAccessDenied
		resp.Header[HdrErrorContext] = BGErrorContextRemoteFile
		d.logger.WithFields(logrus.Fields{
			"session": sessionID,
			"path":    targetPath,
			"context": BGErrorContextRemoteFile,
			"code":    EAccessDenied,
		}).Error("Failed to create session, access denied")
	case session.StatusConflict:
		resp.Status = StatusConflict
		d.logger.WithFields(logrus.Fields{
			"session": sessionID,
			"path":    targetPath,
		}).Error("Failed to create session, target already claimed by an active session")
	}

	d.metrics.ActiveSessions.Set(float64(d.registry.ActiveSessions()))
	return resp
}

// handleFragment applies one Fragment packet to its upload session. The full
// payload is read before any validation, mirroring the wire protocol's
// request framing.
func (d *Dispatcher) handleFragment(req *Request) *Response {
	resp := newAckResponse()

	sessionID := session.NormalizeSessionID(req.Header.Get(HdrSessionID))
	if sessionID == "" {
		return d.badRequestResponse()
	}
	resp.Header[HdrSessionID] = sessionID

	contentLength, err := strconv.ParseInt(req.Header.Get(HdrContentLength), 10, 64)
	if err != nil || contentLength < 0 {
		return d.badRequestResponse()
	}

	rangeStart, rangeEnd, totalLength, err := parseContentRange(req.Header.Get(HdrContentRange))
	if err != nil {
		return d.badRequestResponse()
	}
	if contentLength != rangeEnd-rangeStart+1 {
		return d.badRequestResponse()
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(req.Body, payload); err != nil {
		return d.badRequestResponse()
	}

	sess, exists := d.registry.Lookup(sessionID)
	if !exists {
		d.logger.WithFields(logrus.Fields{
			"session": sessionID,
		}).Warn("Fragment received for unknown session")
		return d.badRequestResponse()
	}

	complete, err := sess.AddFragment(totalLength, rangeStart, rangeEnd, payload)
	if err != nil {
		return d.fragmentErrorResponse(resp, sessionID, err)
	}

	resp.Header[HdrReceivedContentRange] = strconv.FormatInt(rangeEnd+1, 10)
	d.metrics.FragmentsAccepted.Inc()
	d.metrics.UploadBytes.Add(float64(contentLength))
	if complete {
		d.metrics.UploadsCompleted.Inc()
	}

	return resp
}

// fragmentErrorResponse maps a reassembly failure to its fixed status and
// error code pair.
func (d *Dispatcher) fragmentErrorResponse(resp *Response, sessionID string, err error) *Response {
	var invalid *session.InvalidFragmentError
	var tooLarge *session.FragmentTooLargeError

	switch {
	case errors.As(err, &invalid):
		resp.Status = StatusRangeNotSatisfiable
		resp.Header[HdrErrorCode] = HResultZero
		resp.Header[HdrErrorContext] = BGErrorContextRemoteFile
		d.metrics.FragmentsRejected.WithLabelValues("not_contiguous").Inc()
		d.logger.WithFields(logrus.Fields{
			"session":   sessionID,
			"last_end":  invalid.LastRangeEnd,
			"new_start": invalid.NewRangeStart,
			"context":   BGErrorContextRemoteFile,
			"code":      HResultZero,
		}).Error("Failed to process fragment, range is not contiguous with last received")
	case errors.As(err, &tooLarge):
		resp.Status = StatusInternalServerError
		resp.Header[HdrErrorCode] = BGETooLarge
		resp.Header[HdrErrorContext] = BGErrorContextRemoteFile
		d.metrics.FragmentsRejected.WithLabelValues("too_large").Inc()
		d.logger.WithFields(logrus.Fields{
			"session": sessionID,
			"size":    tooLarge.FragmentSize,
			"limit":   tooLarge.Limit,
			"context": BGErrorContextRemoteFile,
			"code":    BGETooLarge,
		}).Error("Failed to process fragment, size exceeds server limit")
	default:
		d.metrics.FragmentsRejected.WithLabelValues("internal").Inc()
		d.logger.WithFields(logrus.Fields{
			"session": sessionID,
			"error":   err,
		}).Error("Failed to process fragment")
		return d.internalFaultResponse()
	}

	return resp
}

// handleReleaseSession terminates a session on Close-Session or
// Cancel-Session. The protocol does not distinguish discard from keep at
// this layer; both release the same way.
func (d *Dispatcher) handleReleaseSession(req *Request, packetType PacketType) *Response {
	d.logger.WithFields(logrus.Fields{
		"remote": req.RemoteAddr,
	}).Infof("%s received", strings.ToUpper(packetType.String()))

	resp := newAckResponse()

	sessionID := session.NormalizeSessionID(req.Header.Get(HdrSessionID))
	if sessionID == "" {
		return d.badRequestResponse()
	}
	resp.Header[HdrSessionID] = sessionID

	d.logger.WithFields(logrus.Fields{
		"session": sessionID,
	}).Info("Closing upload session")

	if err := d.registry.Release(sessionID); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			resp.Status = StatusBadRequest
			return resp
		}
		d.logger.WithFields(logrus.Fields{
			"session": sessionID,
			"error":   err,
		}).Error("Failed to release session")
		return d.internalFaultResponse()
	}

	d.metrics.SessionsReleased.Inc()
	d.metrics.ActiveSessions.Set(float64(d.registry.ActiveSessions()))
	return resp
}

// handlePing answers a liveness probe with neutral error fields.
func (d *Dispatcher) handlePing(req *Request) *Response {
	d.logger.WithFields(logrus.Fields{
		"remote": req.RemoteAddr,
	}).Info("PING received")

	resp := newAckResponse()
	resp.Header[HdrErrorCode] = "1"
	resp.Header[HdrErrorContext] = ""
	return resp
}

// negotiateProtocol intersects the client's supported protocol versions with
// the server's. The header carries a whitespace-separated list of protocol
// GUIDs; the first mutually supported version wins.
func negotiateProtocol(supported string) (string, bool) {
	for _, candidate := range strings.Fields(supported) {
		if strings.EqualFold(candidate, ProtocolID) {
			return ProtocolID, true
		}
	}
	return "", false
}

// parseContentRange extracts the byte range from a Content-Range header of
// the form "bytes <start>-<end>/<total>". Only the trailing range token is
// parsed.
func parseContentRange(value string) (rangeStart, rangeEnd, totalLength int64, err error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, 0, 0, errors.New("empty Content-Range header")
	}

	rangeAndTotal := strings.SplitN(fields[len(fields)-1], "/", 2)
	if len(rangeAndTotal) != 2 {
		return 0, 0, 0, errors.New("malformed Content-Range header")
	}

	totalLength, err = strconv.ParseInt(rangeAndTotal[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}

	bounds := strings.SplitN(rangeAndTotal[0], "-", 2)
	if len(bounds) != 2 {
		return 0, 0, 0, errors.New("malformed range in Content-Range header")
	}
	rangeStart, err = strconv.ParseInt(bounds[0], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	rangeEnd, err = strconv.ParseInt(bounds[1], 10, 64)
	if err != nil {
		return 0, 0, 0, err
	}
	if rangeStart < 0 || rangeEnd < rangeStart {
		return 0, 0, 0, errors.New("invalid range bounds in Content-Range header")
	}

	return rangeStart, rangeEnd, totalLength, nil
}
