package api

import "fmt"

// SocketError is the kind of failure recorded on a socket.
type SocketError int

const (
	ConnectionRefusedError SocketError = iota
	RemoteHostClosedError
	HostNotFoundError
	SocketAccessError
	SocketResourceError
	SocketTimeoutError
	DatagramTooLargeError
	NetworkError
	AddressInUseError
	SocketAddressNotAvailableError
	UnsupportedSocketOperationError
	UnfinishedSocketOperationError
	ProxyAuthenticationRequiredError
	ProxyConnectionRefusedError
	ProxyConnectionClosedError
	ProxyConnectionTimeoutError
	ProxyNotFoundError
	ProxyProtocolError
	OperationError
	TemporaryError

	UnknownSocketError SocketError = -1
)

var errorNames = map[SocketError]string{
	ConnectionRefusedError:           "ConnectionRefused",
	RemoteHostClosedError:            "RemoteHostClosed",
	HostNotFoundError:                "HostNotFound",
	SocketAccessError:                "SocketAccess",
	SocketResourceError:              "SocketResource",
	SocketTimeoutError:               "SocketTimeout",
	DatagramTooLargeError:            "DatagramTooLarge",
	NetworkError:                     "Network",
	AddressInUseError:                "AddressInUse",
	SocketAddressNotAvailableError:   "SocketAddressNotAvailable",
	UnsupportedSocketOperationError:  "UnsupportedSocketOperation",
	UnfinishedSocketOperationError:   "UnfinishedSocketOperation",
	ProxyAuthenticationRequiredError: "ProxyAuthenticationRequired",
	ProxyConnectionRefusedError:      "ProxyConnectionRefused",
	ProxyConnectionClosedError:       "ProxyConnectionClosed",
	ProxyConnectionTimeoutError:      "ProxyConnectionTimeout",
	ProxyNotFoundError:               "ProxyNotFound",
	ProxyProtocolError:               "ProxyProtocol",
	OperationError:                   "Operation",
	TemporaryError:                   "Temporary",
	UnknownSocketError:               "Unknown",
}

func (k SocketError) String() string {
	if name, ok := errorNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SocketError(%d)", int(k))
}

// IsProxyError reports whether k belongs to the proxy error family. Proxy
// errors are not retried against other address candidates.
func (k SocketError) IsProxyError() bool {
	return k >= ProxyAuthenticationRequiredError && k <= ProxyProtocolError
}

// Error is the structured error surfaced by sockets and engines.
type Error struct {
	Kind    SocketError
	Message string
	Err     error
}

// NewError returns an *Error of the given kind.
func NewError(kind SocketError, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError returns an *Error of the given kind carrying cause.
func WrapError(kind SocketError, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrHostNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrConnectionRefused    = &Error{Kind: ConnectionRefusedError}
	ErrRemoteHostClosed     = &Error{Kind: RemoteHostClosedError}
	ErrHostNotFound         = &Error{Kind: HostNotFoundError}
	ErrSocketTimeout        = &Error{Kind: SocketTimeoutError}
	ErrNetwork              = &Error{Kind: NetworkError}
	ErrAddressInUse         = &Error{Kind: AddressInUseError}
	ErrAddressNotAvailable  = &Error{Kind: SocketAddressNotAvailableError}
	ErrUnsupportedOperation = &Error{Kind: UnsupportedSocketOperationError}
	ErrOperation            = &Error{Kind: OperationError}
	ErrUnknown              = &Error{Kind: UnknownSocketError}
)
