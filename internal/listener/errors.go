package listener

import "fmt"

// ErrorCode identifies why a request was rejected.
type ErrorCode int

const (
	InvalidJSON ErrorCode = iota + 1
	InvalidFormat
	IncompleteDescriptor
	PathNotFound
	NotAFile
)

var codeNames = map[ErrorCode]string{
	InvalidJSON:          "invalid_json",
	InvalidFormat:        "invalid_format",
	IncompleteDescriptor: "incomplete_descriptor",
	PathNotFound:         "path_not_found",
	NotAFile:             "not_a_file",
}

var codeMessages = map[ErrorCode]string{
	InvalidJSON:          "Invalid JSON.",
	InvalidFormat:        "Invalid data format.",
	IncompleteDescriptor: "Incomplete data structure.",
	PathNotFound:         "Path does not exist or access was denied.",
	NotAFile:             "Input is not a file.",
}

// String returns the stable machine-readable name.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error_code(%d)", int(c))
}

// Message returns the human-readable translation.
func (c ErrorCode) Message() string {
	if s, ok := codeMessages[c]; ok {
		return s
	}
	return "Unknown error."
}

// Response renders the wire form of the rejection.
func (c ErrorCode) Response() []byte {
	return []byte(fmt.Sprintf("ERROR %s: %s\n", c, c.Message()))
}

// RequestError is a validation failure with the offending path, if any.
type RequestError struct {
	Code ErrorCode
	Path string
}

func (e *RequestError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Path)
	}
	return e.Code.String()
}
