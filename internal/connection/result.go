package connection

// Error codes reported in Result.ErrorCode. Callers branch on these rather
// than parsing error messages.
const (
	CodeConnectionError = "CONNECTION_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeInvalidState    = "INVALID_STATE"
	CodeProtocolError   = "PROTOCOL_ERROR"
	CodeHTTPError       = "HTTP_ERROR"
	CodeUnsupported     = "UNSUPPORTED"
)

// Result is the outcome of a single command issued to a machine. Every
// operation in the subsystem reports through this one envelope, so callers
// never have to distinguish errors-as-values from panics or sentinel errors.
//
// Invariant: Success == true implies ErrorMessage == "" and ErrorCode == "".
// Exactly one of Data / ErrorMessage is meaningful per call.
type Result struct {
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
}

// OK builds a successful Result carrying optional response data.
// A nil data map is allowed and means "succeeded, nothing to report".
func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed Result with a message and an optional error code.
// These two constructors are the only way a Result is produced.
func Fail(message string, code ...string) Result {
	r := Result{Success: false, ErrorMessage: message}
	if len(code) > 0 {
		r.ErrorCode = code[0]
	}
	return r
}
