package protocol

import (
	"github.com/sirupsen/logrus"

	"bitsserver/perfmetrics"
	"bitsserver/session"
)

// Dispatcher routes inbound BITS packets to their handlers and turns every
// handler outcome, success or failure, into a wire response. One Dispatcher
// serves all connections; per-job state lives in the session registry.
type Dispatcher struct {
	registry *session.Registry
	resolve  Resolver
	logger   *logrus.Logger
	metrics  *perfmetrics.Metrics
}

// NewDispatcher creates a packet dispatcher backed by the given registry.
// resolve maps request paths to absolute upload targets.
func NewDispatcher(registry *session.Registry, resolve Resolver, logger *logrus.Logger, metrics *perfmetrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		resolve:  resolve,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dispatch processes one BITS packet and returns the response to send. An
// unrecognized packet type answers Bad Request with E_INVALIDARG; a panic in
// a handler is converted to a generic internal-error response instead of
// reaching the transport.
func (d *Dispatcher) Dispatch(req *Request) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.WithFields(logrus.Fields{
				"panic": rec,
				"path":  req.Path,
			}).Error("Internal BITS server error")
			resp = d.internalFaultResponse()
		}
	}()

	packetType := ParsePacketType(req.Header.Get(HdrPacketType))
	d.metrics.RequestsTotal.WithLabelValues(packetType.String()).Inc()

	switch packetType {
	case PacketCreateSession:
		return d.handleCreateSession(req)
	case PacketFragment:
		return d.handleFragment(req)
	case PacketCloseSession:
		return d.handleReleaseSession(req, packetType)
	case PacketCancelSession:
		return d.handleReleaseSession(req, packetType)
	case PacketPing:
		return d.handlePing(req)
	default:
		return d.unknownPacketResponse(req)
	}
}

// unknownPacketResponse answers a packet whose BITS-Packet-Type value the
// server does not recognize.
func (d *Dispatcher) unknownPacketResponse(req *Request) *Response {
	resp := newAckResponse()
	resp.Status = StatusBadRequest
	resp.Header[HdrErrorCode] = EInvalidArg
	resp.Header[HdrErrorContext] = BGErrorContextRemoteFile

	d.logger.WithFields(logrus.Fields{
		"packet_type": req.Header.Get(HdrPacketType),
		"context":     BGErrorContextRemoteFile,
		"code":        EInvalidArg,
	}).Error("Unknown BITS-Packet-Type value received")

	return resp
}

// internalFaultResponse is the catch-all reply for unexpected failures.
func (d *Dispatcher) internalFaultResponse() *Response {
	resp := newAckResponse()
	resp.Status = StatusInternalServerError
	resp.Header[HdrErrorCode] = ErrorCodeGeneric
	return resp
}

// badRequestResponse answers packets with missing or unparsable headers.
func (d *Dispatcher) badRequestResponse() *Response {
	resp := newAckResponse()
	resp.Status = StatusBadRequest
	return resp
}
