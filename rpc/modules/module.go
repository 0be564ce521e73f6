package modules

// JSON-RPC error codes shared across module surfaces.
const (
	codeInvalidParams = -32602
	codeServerError   = -32000
	codeUnauthorized  = -32001
	codeDuplicate     = -32010
	codeRateLimited   = -32020
)

// ModuleError pairs an HTTP status with the JSON-RPC error payload so the
// transport can render module failures without re-deriving status codes.
type ModuleError struct {
	HTTPStatus int
	Code       int
	Message    string
	Data       interface{}
}

func (e *ModuleError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
