// Package ipc implements the local client-facing transport (spec
// Sec 4.F): a single receive loop reading fixed-layout IPCClientMessage
// records and replying with IPCServerMessage records, addressed by the
// wire record's msgType field. The original design assumes a POSIX
// message queue (or a named pipe on Windows); this build substitutes a
// Unix domain datagram socket, the closest Go-idiomatic transport with
// the same addressed-delivery, kernel-buffered semantics (see SPEC_FULL.md
// §5, Open Question 3).
package ipc

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dxrt-project/dxrt/internal/constants"
	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

// Handler processes one client message and produces the reply to send
// back. It is never invoked for request codes above
// uapi.SanityMaxRequestCode; those are dropped by the server itself.
type Handler interface {
	Handle(msg uapi.IPCClientMessage) uapi.IPCServerMessage
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(msg uapi.IPCClientMessage) uapi.IPCServerMessage

func (f HandlerFunc) Handle(msg uapi.IPCClientMessage) uapi.IPCServerMessage { return f(msg) }

const recvBufSize = 256 // generous headroom over the 128-byte IPCClientMessage

// Server owns the datagram socket and the receive loop.
type Server struct {
	path    string
	conn    *net.UnixConn
	handler Handler
	logger  *logging.Logger

	mu      sync.Mutex
	clients map[uint32]*net.UnixAddr // pid -> last known sender address

	stopCh  chan struct{}
	doneCh  chan struct{}
	serving int32 // atomic: set once Serve starts
}

// NewServer binds the datagram socket at path, removing a stale socket
// file left behind by a previous run, and drains any residual messages
// before returning (spec Sec 4.F "Startup must drain...").
func NewServer(path string, handler Handler) (*Server, error) {
	if path == "" {
		path = constants.DefaultIPCSocketPath
	}

	_ = os.Remove(path) // best-effort; a stale socket file is not fatal to recreate

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		path:    path,
		conn:    conn,
		handler: handler,
		logger:  logging.Default(),
		clients: make(map[uint32]*net.UnixAddr),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.drainResidual()
	return s, nil
}

// drainResidual discards any datagrams already queued on the socket
// before the server starts accepting new clients.
func (s *Server) drainResidual() {
	buf := make([]byte, recvBufSize)
	drained := 0
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(constants.IPCDrainTimeout))
		n, _, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			break
		}
		if n > 0 {
			drained++
		}
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	if drained > 0 {
		s.logger.Warn("drained residual IPC messages from a previous run", "count", drained)
	}
}

// Serve runs the receive loop until Stop is called. It is meant to be
// run in its own goroutine.
func (s *Server) Serve() {
	atomic.StoreInt32(&s.serving, 1)
	defer close(s.doneCh)

	buf := make([]byte, recvBufSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("ipc: recv error", "err", err)
				continue
			}
		}

		var msg uapi.IPCClientMessage
		if err := uapi.Unmarshal(buf[:n], &msg); err != nil {
			s.logger.Warn("ipc: malformed client message", "err", err)
			continue
		}

		if msg.Code > uapi.SanityMaxRequestCode {
			// Out of the sanity range entirely: dropped, no reply.
			continue
		}

		s.registerClient(msg.PID, addr)

		reply := s.handler.Handle(msg)
		s.replyTo(addr, reply)
	}
}

// Stop halts the receive loop and closes the socket, removing the
// socket file.
func (s *Server) Stop() {
	close(s.stopCh)
	if atomic.LoadInt32(&s.serving) != 0 {
		<-s.doneCh
	}
	_ = s.conn.Close()
	_ = os.Remove(s.path)
}

func (s *Server) registerClient(pid uint32, addr *net.UnixAddr) {
	if pid == 0 || addr == nil {
		return
	}
	s.mu.Lock()
	s.clients[pid] = addr
	s.mu.Unlock()
}

func (s *Server) replyTo(addr *net.UnixAddr, reply uapi.IPCServerMessage) {
	if addr == nil {
		return
	}
	buf := uapi.Marshal(&reply)
	if _, err := s.conn.WriteToUnix(buf, addr); err != nil {
		s.logger.Warn("ipc: reply send failed", "err", err)
	}
}

// Notify pushes an unsolicited reply (a completion notification or an
// ERROR_REPORT broadcast) to pid's last known address. It is a no-op if
// the server has never received a message from that pid.
func (s *Server) Notify(pid uint32, msg uapi.IPCServerMessage) bool {
	s.mu.Lock()
	addr, ok := s.clients[pid]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.replyTo(addr, msg)
	return true
}

// KnownPIDs returns every pid the server has ever received a message
// from, for the facade's ERROR_REPORT broadcast (spec Sec 7).
func (s *Server) KnownPIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]uint32, 0, len(s.clients))
	for pid := range s.clients {
		pids = append(pids, pid)
	}
	return pids
}

// ForgetClient drops pid's address, used once the watchdog reaps a dead
// pid. PROCESS_DEINIT handling does not call it.
func (s *Server) ForgetClient(pid uint32) {
	s.mu.Lock()
	delete(s.clients, pid)
	s.mu.Unlock()
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
