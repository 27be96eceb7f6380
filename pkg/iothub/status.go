package iothub

// Status is the status code carried by IoT Hub responses and method results
type Status int

const (
	StatusOK                 Status = 200
	StatusAccepted           Status = 202
	StatusNoContent          Status = 204
	StatusBadRequest         Status = 400
	StatusUnauthorized       Status = 401
	StatusForbidden          Status = 403
	StatusNotFound           Status = 404
	StatusNotAllowed         Status = 405
	StatusConflict           Status = 409
	StatusPreconditionFailed Status = 412
	StatusRequestTooLarge    Status = 413
	StatusUnsupportedType    Status = 415
	StatusThrottled          Status = 429
	StatusClientClosed       Status = 499
	StatusServerError        Status = 500
	StatusBadGateway         Status = 502
	StatusServiceUnavailable Status = 503
	StatusTimeout            Status = 504
)

// Succeeded reports a 1xx or 2xx status
func (s Status) Succeeded() bool {
	return s < 300
}

// Retriable reports whether the request may be retried after a delay
func (s Status) Retriable() bool {
	return s == StatusThrottled || s >= StatusServerError
}
