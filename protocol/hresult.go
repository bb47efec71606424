package protocol

// HRESULT values placed in the BITS-Error-Code and BITS-Error-Context
// response headers. The wire format is the hexadecimal string form.
const (
	// BGErrorContextRemoteFile is the default error context for all
	// remote-file errors.
	BGErrorContextRemoteFile = "0x5"

	// BGETooLarge signals a fragment exceeding the server's size limit.
	BGETooLarge = "0x80200020"

	// EInvalidArg covers protocol mismatch and unrecognized packet types.
	EInvalidArg = "0x80070057"

	// EAccessDenied signals that the upload target cannot be written.
	EAccessDenied = "0x80070005"

	// HResultZero accompanies a non-contiguous fragment rejection. The
	// protocol specification does not give this HRESULT a name.
	HResultZero = "0x0"

	// ErrorCodeGeneric is the catch-all code for unexpected internal faults.
	ErrorCodeGeneric = "0x1"
)

// HTTP status codes used by the BITS upload protocol.
const (
	StatusOK                  = 200
	StatusCreated             = 201
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusRangeNotSatisfiable = 416
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
)
