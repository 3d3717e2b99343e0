// Package dxrt provides the scheduler service runtime: device cores,
// the memory arena, the request scheduler, the IPC server and the
// liveness watchdog for a small pool of NPU accelerators shared by many
// client processes.
package dxrt

import (
	"fmt"
	"sync"

	"github.com/dxrt-project/dxrt/internal/arena"
	"github.com/dxrt-project/dxrt/internal/constants"
	"github.com/dxrt-project/dxrt/internal/device"
	"github.com/dxrt-project/dxrt/internal/driver"
	"github.com/dxrt-project/dxrt/internal/facade"
	"github.com/dxrt-project/dxrt/internal/ipc"
	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/scheduler"
	"github.com/dxrt-project/dxrt/internal/uapi"
	"github.com/dxrt-project/dxrt/internal/watchdog"
)

// SchedulerPolicy names one of the pluggable dispatch policies a Service
// can run (spec Sec 4.E, Sec 9).
type SchedulerPolicy string

const (
	PolicyFIFO       SchedulerPolicy = "FIFO"
	PolicyRoundRobin SchedulerPolicy = "RoundRobin"
	PolicySJF        SchedulerPolicy = "SJF"
)

// DeviceConfig names one NPU device a Service should open and register.
// Adapter overrides Path-based discovery; set it directly in tests, or
// when a device is fronted by the TCP tunnel variant instead of a local
// character device.
type DeviceConfig struct {
	ID      uint32
	Path    string
	Adapter driver.Adapter
}

// ServiceParams configures NewService. Built programmatically or from
// command-line flags; there is no config-file format (spec.md
// Non-goals: "configuration file parsing").
type ServiceParams struct {
	Devices         []DeviceConfig
	Policy          SchedulerPolicy
	SocketPath      string
	LivenessChecker watchdog.LivenessChecker
	Metrics         *Metrics
}

// DefaultParams returns ServiceParams with the FIFO policy and the
// default IPC socket path. Devices must still be supplied.
func DefaultParams(devices []DeviceConfig) ServiceParams {
	return ServiceParams{
		Devices:    devices,
		Policy:     PolicyFIFO,
		SocketPath: constants.DefaultIPCSocketPath,
	}
}

// bcProxy breaks the construction cycle between the facade, which needs
// a Broadcaster, and the IPC server, which needs the facade as its
// Handler: the facade is built against a proxy whose srv field is filled
// in once the server exists, before either is ever invoked.
type bcProxy struct {
	srv *ipc.Server
}

func (p *bcProxy) Notify(pid uint32, msg uapi.IPCServerMessage) bool {
	return p.srv.Notify(pid, msg)
}

func (p *bcProxy) KnownPIDs() []uint32 { return p.srv.KnownPIDs() }

// Service owns every long-lived component of the scheduler daemon: one
// device core per NPU, their memory tiers, the scheduler, the service
// facade, the IPC server, and the liveness watchdog.
type Service struct {
	sched   *scheduler.Scheduler
	facade  *facade.Facade
	ipc     *ipc.Server
	wd      *watchdog.Watchdog
	devices []*device.Device
	metrics *Metrics
	logger  *logging.Logger

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// NewService opens and identifies every configured device, wires the
// scheduler/facade/IPC/watchdog chain, and returns a Service ready for
// Run. On any device failure, devices already opened are stopped before
// the error is returned.
func NewService(params ServiceParams) (*Service, error) {
	if len(params.Devices) == 0 {
		return nil, ErrInvalidArgument
	}

	sched := scheduler.New(policyFor(params.Policy))

	proxy := &bcProxy{}
	f := facade.New(sched, proxy)

	metrics := params.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	devices := make([]*device.Device, 0, len(params.Devices))
	cleanup := func() {
		for _, d := range devices {
			d.Stop()
		}
	}

	for _, dc := range params.Devices {
		adapter := dc.Adapter
		if adapter == nil {
			var err error
			adapter, err = driver.OpenCharDevice(dc.Path)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("open device %d: %w", dc.ID, err)
			}
		}

		onComplete := func(deviceID uint32, resp uapi.ResponseRecord) {
			metrics.RecordCompletion(uint64(resp.InfTime), resp.Status == 0)
			sched.FinishJobs(deviceID, resp)
		}
		onFault := func(deviceID uint32, status int32) {
			metrics.RecordDeviceFault()
			f.BroadcastFault(deviceID, status)
		}
		dev := device.New(dc.ID, dc.Path, adapter, onComplete, onFault)
		if err := dev.Identify(); err != nil {
			cleanup()
			return nil, fmt.Errorf("identify device %d: %w", dc.ID, err)
		}

		tier := arena.NewMemoryTier(arena.New(dev.MemBase, dev.MemSize))
		f.RegisterDevice(dev, tier)
		devices = append(devices, dev)
	}

	srv, err := ipc.NewServer(params.SocketPath, f)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("start IPC server: %w", err)
	}
	proxy.srv = srv

	wd := watchdog.New(f, sched, srv, params.LivenessChecker)

	return &Service{
		sched:   sched,
		facade:  f,
		ipc:     srv,
		wd:      wd,
		devices: devices,
		metrics: metrics,
		logger:  logging.Default(),
		stopped: make(chan struct{}),
	}, nil
}

func policyFor(p SchedulerPolicy) scheduler.Policy {
	switch p {
	case PolicyRoundRobin:
		return scheduler.NewRoundRobin()
	case PolicySJF:
		return scheduler.NewSJF()
	default:
		return scheduler.NewFIFO()
	}
}

// Run starts the IPC receive loop and the liveness watchdog and blocks
// until Shutdown is called. Meant to be called from main after signal
// handlers are installed.
func (s *Service) Run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.ipc.Serve()
	go s.wd.Run()

	s.logger.Info("service started", "devices", len(s.devices))
	<-s.stopped
}

// Shutdown stops the watchdog and the IPC server, then every device's
// response readers, releasing all kernel resources the service holds.
// Safe to call once Run is blocking, or before Run is ever called.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.wd.Stop()
	s.ipc.Stop()
	for _, d := range s.devices {
		d.Stop()
	}
	s.metrics.Stop()
	close(s.stopped)
	s.logger.Info("service stopped")
}

// Metrics returns the service's metrics instance.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// NumDevices returns the number of devices the service has registered.
func (s *Service) NumDevices() int {
	return len(s.devices)
}
