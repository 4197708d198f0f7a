package types

import "fmt"

type ApiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *ApiError   `json:"error,omitempty"`
}

type ApiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes returned by the operation surface. Request-time failures carry
// one of these; background ticks only log.
const (
	CodeInvalidSubmission             = 4001
	CodeInvalidFeesScheduleSubmission = 4002
	CodeNotAuthorized                 = 4011
	CodeInvalidNonce                  = 4012
	CodeNotEnoughBalance              = 4021
	CodeAlreadyPending                = 4022
	CodeNotFound                      = 4041
	CodeServerError                   = 5000
)

// CodedError is an error with a numeric code suitable for the API surface.
type CodedError struct {
	Code    int
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func NewCodedError(code int, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}
