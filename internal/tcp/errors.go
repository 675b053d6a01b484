package tcp

import "github.com/nanokern/nanokern/kerrno"

var (
	errTimedOut     = kerrno.New("tcp.rtx", "tcp", kerrno.ETIMEDOUT)
	errConnReset    = kerrno.New("tcp.input", "tcp", kerrno.ECONNRESET)
	errConnRefused  = kerrno.New("tcp.connect", "tcp", kerrno.ECONNREFUSED)
	errAddrInUse    = kerrno.New("tcp.bind", "tcp", kerrno.EADDRINUSE)
	errAddrNotAvail = kerrno.New("tcp.connect", "tcp", kerrno.EADDRNOTAVAIL)
	errNetUnreach   = kerrno.New("tcp.connect", "tcp", kerrno.ENETUNREACH)
	errIsConn       = kerrno.New("tcp.connect", "tcp", kerrno.EISCONN)
	errNotConn      = kerrno.New("tcp.send", "tcp", kerrno.ENOTCONN)
	errPipe         = kerrno.New("tcp.send", "tcp", kerrno.EPIPE)
)
