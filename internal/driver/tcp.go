package driver

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

// TCPTunnel is the TCP-tunnel Adapter variant (spec Sec 4.A): used when
// the device is fronted by a network-attached shim instead of a local
// character device. Framing is a 4-byte big-endian length prefix around a
// marshaled DriverMessage.
type TCPTunnel struct {
	conn   net.Conn
	logger *logging.Logger
}

// DialTCPTunnel connects to a TCP-tunneled device endpoint.
func DialTCPTunnel(addr string) (*TCPTunnel, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &TCPTunnel{conn: conn, logger: logging.Default()}, nil
}

func (t *TCPTunnel) Ioctl(cmd, subcmd int32, buf []byte) (int32, error) {
	msg := uapi.DriverMessage{Cmd: cmd, Subcmd: subcmd, Size: uint32(len(buf))}
	payload := uapi.Marshal(&msg)
	if err := t.writeFramed(payload); err != nil {
		return -1, err
	}
	reply, err := t.readFramed()
	if err != nil {
		return -1, err
	}
	var out uapi.DriverMessage
	if err := uapi.Unmarshal(reply, &out); err != nil {
		return -1, err
	}
	return out.Cmd, nil
}

func (t *TCPTunnel) Write(buf []byte) (int, error) {
	if err := t.writeFramed(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (t *TCPTunnel) Read(buf []byte) (int, error) {
	data, err := t.readFramed()
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

func (t *TCPTunnel) Poll(timeout time.Duration) (PollOutcome, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return PollError, err
	}
	one := make([]byte, 1)
	n, err := t.conn.Read(one)
	_ = t.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return PollTimeout, nil
		}
		return PollError, err
	}
	if n > 0 {
		return PollReady, nil
	}
	return PollTimeout, nil
}

// Mmap has no meaning over a network transport.
func (t *TCPTunnel) Mmap(size int) ([]byte, error) {
	return nil, nil
}

func (t *TCPTunnel) Close() error {
	return t.conn.Close()
}

func (t *TCPTunnel) writeFramed(buf []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(buf)))
	if _, err := t.conn.Write(header); err != nil {
		return err
	}
	_, err := t.conn.Write(buf)
	return err
}

func (t *TCPTunnel) readFramed() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := readFull(t.conn, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	buf := make([]byte, size)
	if _, err := readFull(t.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
