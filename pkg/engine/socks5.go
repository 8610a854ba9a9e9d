package engine

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/srediag/plugin-socket/api"
)

const (
	socksVersion        = 5
	socksAuthVersion    = 1
	socksNoAuth         = 0
	socksUserPass       = 2
	socksNoAcceptable   = 0xFF
	socksCmdConnect     = 1
	socksAddrIPv4       = 1
	socksAddrDomain     = 3
	socksAddrIPv6       = 4
	socksReplySucceeded = 0
)

type socksStage int

const (
	socksAwaitMethod socksStage = iota
	socksAwaitAuth
	socksAwaitReply
	socksDone
)

// socks5Handshake negotiates an RFC 1928 CONNECT, with RFC 1929
// username/password authentication when credentials are configured.
type socks5Handshake struct {
	target handshakeTarget
	user   string
	pass   string
	stage  socksStage
}

func newSocks5Handshake(p api.Proxy, target handshakeTarget) handshaker {
	return &socks5Handshake{target: target, user: p.User, pass: p.Password}
}

func (h *socks5Handshake) start() []byte {
	if h.user != "" {
		return []byte{socksVersion, 2, socksNoAuth, socksUserPass}
	}
	return []byte{socksVersion, 1, socksNoAuth}
}

func (h *socks5Handshake) advance(in []byte) (int, []byte, bool, *api.Error) {
	switch h.stage {
	case socksAwaitMethod:
		if len(in) < 2 {
			return 0, nil, false, nil
		}
		if in[0] != socksVersion {
			return 2, nil, false, api.NewError(api.ProxyProtocolError, "SOCKS version 5 protocol error")
		}
		switch in[1] {
		case socksNoAuth:
			h.stage = socksAwaitReply
			return 2, h.request(), false, nil
		case socksUserPass:
			if h.user == "" {
				break
			}
			h.stage = socksAwaitAuth
			return 2, h.credentials(), false, nil
		}
		return 2, nil, false, api.NewError(api.ProxyAuthenticationRequiredError, "Proxy authentication failed")
	case socksAwaitAuth:
		if len(in) < 2 {
			return 0, nil, false, nil
		}
		if in[1] != 0 {
			return 2, nil, false, api.NewError(api.ProxyAuthenticationRequiredError, "Proxy authentication failed")
		}
		h.stage = socksAwaitReply
		return 2, h.request(), false, nil
	case socksAwaitReply:
		n, ok := replyLength(in)
		if !ok {
			if len(in) >= 4 && in[0] != socksVersion {
				return len(in), nil, false, api.NewError(api.ProxyProtocolError, "SOCKS version 5 protocol error")
			}
			return 0, nil, false, nil
		}
		if in[0] != socksVersion {
			return n, nil, false, api.NewError(api.ProxyProtocolError, "SOCKS version 5 protocol error")
		}
		if in[1] != socksReplySucceeded {
			return n, nil, false, socksReplyError(in[1])
		}
		if a := in[3]; a != socksAddrIPv4 && a != socksAddrIPv6 && a != socksAddrDomain {
			return n, nil, false, api.NewError(api.ProxyProtocolError, "SOCKS version 5 protocol error")
		}
		h.stage = socksDone
		return n, nil, true, nil
	}
	return 0, nil, true, nil
}

// replyLength reports the full size of the reply at the head of in once the
// address type is known and every byte has arrived.
func replyLength(in []byte) (int, bool) {
	if len(in) < 5 {
		return 0, false
	}
	var n int
	switch in[3] {
	case socksAddrIPv4:
		n = 4 + 4 + 2
	case socksAddrIPv6:
		n = 4 + 16 + 2
	case socksAddrDomain:
		n = 4 + 1 + int(in[4]) + 2
	default:
		// unknown address type, the caller fails on it
		return len(in), true
	}
	return n, len(in) >= n
}

func (h *socks5Handshake) credentials() []byte {
	user, pass := truncate255(h.user), truncate255(h.pass)
	out := make([]byte, 0, 3+len(user)+len(pass))
	out = append(out, socksAuthVersion, byte(len(user)))
	out = append(out, user...)
	out = append(out, byte(len(pass)))
	return append(out, pass...)
}

func (h *socks5Handshake) request() []byte {
	out := []byte{socksVersion, socksCmdConnect, 0}
	switch {
	case h.target.name != "":
		name := truncate255(h.target.name)
		out = append(out, socksAddrDomain, byte(len(name)))
		out = append(out, name...)
	case h.target.addr.Is4():
		a := h.target.addr.As4()
		out = append(out, socksAddrIPv4)
		out = append(out, a[:]...)
	default:
		a := h.target.addr.As16()
		out = append(out, socksAddrIPv6)
		out = append(out, a[:]...)
	}
	return binary.BigEndian.AppendUint16(out, h.target.port)
}

func truncate255(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}

func socksReplyError(code byte) *api.Error {
	switch code {
	case 1:
		return api.NewError(api.NetworkError, "General SOCKSv5 server failure")
	case 2:
		return api.NewError(api.SocketAccessError, "Connection not allowed by SOCKSv5 server")
	case 3:
		return api.NewError(api.NetworkError, "Network unreachable")
	case 4:
		return api.NewError(api.HostNotFoundError, "Host not found")
	case 5:
		return api.NewError(api.ConnectionRefusedError, "Connection refused")
	case 6:
		return api.NewError(api.NetworkError, "TTL expired")
	case 7:
		return api.NewError(api.UnsupportedSocketOperationError, "SOCKSv5 command not supported")
	case 8:
		return api.NewError(api.UnsupportedSocketOperationError, "Address type not supported")
	}
	return api.NewError(api.ProxyProtocolError, fmt.Sprintf("Unknown SOCKSv5 proxy error code 0x%02x", code))
}

// handshakeTarget is the endpoint the proxy is asked to reach.
type handshakeTarget struct {
	name string
	addr netip.Addr
	port uint16
}
