// Package stratum implements the miner-facing side of the pool: listeners,
// per-connection sessions and the line-delimited JSON wire codec.
package stratum

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Method is a recognized client method. Anything else decodes to
// MethodUnknown.
type Method int

const (
	MethodUnknown Method = iota
	MethodSubscribe
	MethodAuthorize
	MethodSubmit
	MethodExtranonceSubscribe
	MethodGetTransactions
	MethodAuthorizeAdmin
	MethodAddUser
)

var methodNames = map[string]Method{
	"mining.subscribe":            MethodSubscribe,
	"mining.authorize":            MethodAuthorize,
	"mining.submit":               MethodSubmit,
	"mining.extranonce.subscribe": MethodExtranonceSubscribe,
	"mining.get_transactions":     MethodGetTransactions,
	"mining.authorize_admin":      MethodAuthorizeAdmin,
	"mining.add_user":             MethodAddUser,
}

// ParseMethod maps a wire method name to a Method
func ParseMethod(name string) Method {
	if m, ok := methodNames[name]; ok {
		return m
	}
	return MethodUnknown
}

func (m Method) String() string {
	for name, v := range methodNames {
		if v == m {
			return name
		}
	}
	return "unknown"
}

// Server notification methods
const (
	NotifyMethod        = "mining.notify"
	SetDifficultyMethod = "mining.set_difficulty"
)

// Stratum error codes
const (
	CodeInvalidParams  = 0
	CodeOther          = 20
	CodeJobNotFound    = 21
	CodeDuplicate      = 22
	CodeHighHash       = 23
	CodeUnauthorized   = 24
	CodeNotSubscribed  = 25
	CodeInvalidAddress = 26
)

const maxMethodLength = 50

var (
	errBadID      = errors.New("stratum: id must be a string or number")
	errNoMethod   = errors.New("stratum: missing method")
	errLongMethod = errors.New("stratum: method too long")
)

// Error is a stratum-level failure sent to the client as [code, reason, false]
type Error struct {
	Code   int
	Reason string
}

func NewError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Reason)
}

func (e *Error) wire() []interface{} {
	return []interface{}{e.Code, e.Reason, false}
}

// Request is a client message
type Request struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`

	method Method
}

// Kind returns the decoded method
func (r *Request) Kind() Method {
	return r.method
}

// Response answers a request
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a server-initiated message
type Notification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// DecodeRequest parses one line from the client
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := sonic.ConfigDefault.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("stratum: decode request: %w", err)
	}

	switch req.ID.(type) {
	case nil, string, float64:
	default:
		return nil, errBadID
	}
	if req.Method == "" {
		return nil, errNoMethod
	}
	if len(req.Method) > maxMethodLength {
		return nil, errLongMethod
	}
	if req.Params == nil {
		req.Params = []interface{}{}
	}

	req.method = ParseMethod(req.Method)
	return &req, nil
}

func encode(msg interface{}) ([]byte, error) {
	data, err := sonic.ConfigDefault.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
