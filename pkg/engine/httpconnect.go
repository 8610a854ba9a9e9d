package engine

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"

	"github.com/srediag/plugin-socket/api"
)

// maxConnectResponse bounds the proxy response header block.
const maxConnectResponse = 16 << 10

var headerEnd = []byte("\r\n\r\n")

// httpConnectHandshake opens a tunnel with an HTTP/1.1 CONNECT request.
type httpConnectHandshake struct {
	target handshakeTarget
	user   string
	pass   string
}

func newHTTPConnectHandshake(p api.Proxy, target handshakeTarget) handshaker {
	return &httpConnectHandshake{target: target, user: p.User, pass: p.Password}
}

func (h *httpConnectHandshake) authority() string {
	host := h.target.name
	if host == "" {
		host = h.target.addr.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(h.target.port)))
}

func (h *httpConnectHandshake) start() []byte {
	var b bytes.Buffer
	authority := h.authority()
	b.WriteString("CONNECT " + authority + " HTTP/1.1\r\n")
	b.WriteString("Host: " + authority + "\r\n")
	b.WriteString("Proxy-Connection: keep-alive\r\n")
	if h.user != "" {
		token := base64.StdEncoding.EncodeToString([]byte(h.user + ":" + h.pass))
		b.WriteString("Proxy-Authorization: Basic " + token + "\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func (h *httpConnectHandshake) advance(in []byte) (int, []byte, bool, *api.Error) {
	end := bytes.Index(in, headerEnd)
	if end < 0 {
		if len(in) > maxConnectResponse {
			return len(in), nil, false, api.NewError(api.ProxyProtocolError, "Error communicating with HTTP proxy")
		}
		return 0, nil, false, nil
	}
	n := end + len(headerEnd)
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(in[:n])), &http.Request{Method: http.MethodConnect})
	if err != nil {
		return n, nil, false, api.WrapError(api.ProxyProtocolError, "Error communicating with HTTP proxy", err)
	}
	_ = resp.Body.Close()
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return n, nil, true, nil
	case code == http.StatusProxyAuthRequired:
		return n, nil, false, api.NewError(api.ProxyAuthenticationRequiredError, "Proxy requires authentication")
	case code == http.StatusForbidden || code == http.StatusMethodNotAllowed:
		return n, nil, false, api.NewError(api.ProxyConnectionRefusedError, "Proxy denied connection")
	case code == http.StatusNotFound:
		return n, nil, false, api.NewError(api.HostNotFoundError, "Host not found")
	case code == http.StatusServiceUnavailable:
		return n, nil, false, api.NewError(api.ConnectionRefusedError, "Connection refused")
	default:
		return n, nil, false, api.NewError(api.ProxyProtocolError, "Error communicating with HTTP proxy: "+resp.Status)
	}
}
