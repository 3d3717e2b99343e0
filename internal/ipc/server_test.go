package ipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dxrt-project/dxrt/internal/uapi"
)

func newTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dxrt_ipc.sock")
	s, err := NewServer(path, handler)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go s.Serve()
	t.Cleanup(s.Stop)
	return s, path
}

func dialClient(t *testing.T, serverPath string) *net.UnixConn {
	t.Helper()
	dir := t.TempDir()
	clientPath := filepath.Join(dir, "client.sock")
	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: clientPath, Net: "unixgram"},
		&net.UnixAddr{Name: serverPath, Net: "unixgram"})
	if err != nil {
		t.Fatalf("DialUnix() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerEchoesReply(t *testing.T) {
	handler := HandlerFunc(func(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
		return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID), DeviceID: msg.DeviceID}
	})
	_, path := newTestServer(t, handler)
	conn := dialClient(t, path)

	req := uapi.IPCClientMessage{Code: uapi.ReqGetMemory, PID: 42, DeviceID: 1}
	if _, err := conn.Write(uapi.Marshal(&req)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	var resp uapi.IPCServerMessage
	if err := uapi.Unmarshal(buf[:n], &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.MsgType != 42 || resp.Code != uapi.RespOK {
		t.Errorf("resp = %+v, want MsgType=42 Code=RespOK", resp)
	}
}

func TestServerDropsOutOfSanityRangeRequests(t *testing.T) {
	called := false
	handler := HandlerFunc(func(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
		called = true
		return uapi.IPCServerMessage{}
	})
	_, path := newTestServer(t, handler)
	conn := dialClient(t, path)

	req := uapi.IPCClientMessage{Code: uapi.SanityMaxRequestCode + 1, PID: 1}
	conn.Write(uapi.Marshal(&req))

	time.Sleep(100 * time.Millisecond)
	if called {
		t.Error("handler should never be invoked for a request code beyond the sanity range")
	}
}

func TestServerRegistersClientForNotify(t *testing.T) {
	handler := HandlerFunc(func(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
		return uapi.IPCServerMessage{Code: uapi.RespOK, MsgType: int32(msg.PID)}
	})
	s, path := newTestServer(t, handler)
	conn := dialClient(t, path)

	req := uapi.IPCClientMessage{Code: uapi.ReqGetMemory, PID: 7}
	conn.Write(uapi.Marshal(&req))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	conn.Read(buf) // drain the synchronous reply

	if !s.Notify(7, uapi.IPCServerMessage{Code: uapi.RespDoScheduledInference, MsgType: 7}) {
		t.Fatal("Notify() = false, want true for a pid that already sent a message")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var resp uapi.IPCServerMessage
	uapi.Unmarshal(buf[:n], &resp)
	if resp.Code != uapi.RespDoScheduledInference {
		t.Errorf("resp.Code = %d, want RespDoScheduledInference", resp.Code)
	}
}

func TestServerNotifyUnknownPIDReturnsFalse(t *testing.T) {
	s, _ := newTestServer(t, HandlerFunc(func(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
		return uapi.IPCServerMessage{}
	}))
	if s.Notify(999, uapi.IPCServerMessage{}) {
		t.Error("Notify() for an unregistered pid should return false")
	}
}

func TestNewServerRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.sock")
	if err := os.WriteFile(path, []byte("not a socket"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewServer(path, HandlerFunc(func(msg uapi.IPCClientMessage) uapi.IPCServerMessage {
		return uapi.IPCServerMessage{}
	}))
	if err != nil {
		t.Fatalf("NewServer() error = %v, want success after clearing a stale file", err)
	}
	s.Stop()
}
