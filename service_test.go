package dxrt

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/dxrt-project/dxrt/internal/uapi"
)

func dialService(t *testing.T, serverPath string) *net.UnixConn {
	t.Helper()
	clientPath := filepath.Join(t.TempDir(), "client.sock")
	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: clientPath, Net: "unixgram"},
		&net.UnixAddr{Name: serverPath, Net: "unixgram"})
	if err != nil {
		t.Fatalf("DialUnix() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *net.UnixConn, req uapi.IPCClientMessage) uapi.IPCServerMessage {
	t.Helper()
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
	return resp
}

func TestNewServiceRejectsEmptyDeviceList(t *testing.T) {
	_, err := NewService(ServiceParams{SocketPath: filepath.Join(t.TempDir(), "dxrt.sock")})
	if err != ErrInvalidArgument {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestServiceEndToEndAllocateMemory(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dxrt.sock")
	svc, _, err := NewTestService(sockPath, 1<<20)
	if err != nil {
		t.Fatalf("NewTestService() error = %v", err)
	}
	go svc.Run()
	t.Cleanup(svc.Shutdown)

	conn := dialService(t, sockPath)

	resp := roundTrip(t, conn, uapi.IPCClientMessage{Code: uapi.ReqGetMemory, PID: 100, DeviceID: 0, Data: 4096})
	if resp.Code != uapi.RespOK {
		t.Fatalf("Code = %d, want RespOK", resp.Code)
	}
	if resp.Data < 0 {
		t.Errorf("Data = %d, want a non-negative address", resp.Data)
	}

	free := roundTrip(t, conn, uapi.IPCClientMessage{Code: uapi.ReqViewUsedMemory, PID: 100, DeviceID: 0})
	if free.Code != uapi.RespOK || free.Data != 4096 {
		t.Errorf("ViewUsedMemory = %+v, want Data=4096", free)
	}
}

func TestServiceEndToEndOutOfMemoryReturnsNegativeOne(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dxrt.sock")
	svc, _, err := NewTestService(sockPath, 1024)
	if err != nil {
		t.Fatalf("NewTestService() error = %v", err)
	}
	go svc.Run()
	t.Cleanup(svc.Shutdown)

	conn := dialService(t, sockPath)

	resp := roundTrip(t, conn, uapi.IPCClientMessage{Code: uapi.ReqGetMemory, PID: 100, DeviceID: 0, Data: 1 << 30})
	if resp.Code != uapi.RespOK || resp.Data != -1 {
		t.Errorf("resp = %+v, want Code=RespOK Data=-1", resp)
	}
}

func TestServiceEndToEndUnknownDeviceIsInvalidArgument(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dxrt.sock")
	svc, _, err := NewTestService(sockPath, 1<<20)
	if err != nil {
		t.Fatalf("NewTestService() error = %v", err)
	}
	go svc.Run()
	t.Cleanup(svc.Shutdown)

	conn := dialService(t, sockPath)
	resp := roundTrip(t, conn, uapi.IPCClientMessage{Code: uapi.ReqGetMemory, PID: 100, DeviceID: 7})
	if resp.Code != uapi.RespError {
		t.Errorf("Code = %d, want RespError for an unregistered device", resp.Code)
	}
}

func TestServiceShutdownIsIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dxrt.sock")
	svc, _, err := NewTestService(sockPath, 1<<20)
	if err != nil {
		t.Fatalf("NewTestService() error = %v", err)
	}
	go svc.Run()
	time.Sleep(20 * time.Millisecond)

	svc.Shutdown()
	svc.Shutdown() // must not panic or block
}
