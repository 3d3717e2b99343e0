// Command dxrtd is the scheduler service daemon: it opens every NPU
// character device it can find, wires the scheduler/facade/IPC/watchdog
// chain, and serves clients until told to stop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	dxrt "github.com/dxrt-project/dxrt"
	"github.com/dxrt-project/dxrt/internal/logging"
	"github.com/dxrt-project/dxrt/internal/uapi"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		policy     string
		socketPath string
		deviceName string
		verbose    bool
	)
	flag.StringVar(&policy, "s", "FIFO", "scheduling policy: FIFO, RoundRobin, or SJF")
	flag.StringVar(&policy, "scheduler", "FIFO", "scheduling policy: FIFO, RoundRobin, or SJF")
	flag.StringVar(&socketPath, "socket", dxrt.DefaultIPCSocketPath, "IPC socket path")
	flag.StringVar(&deviceName, "device-name", "dxrt", "character device basename (/dev/<name><N>)")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	schedPolicy, err := parsePolicy(policy)
	if err != nil {
		logger.Error("invalid scheduler policy", "policy", policy, "error", err)
		return 1
	}

	devices := discoverDevices(deviceName)
	if len(devices) == 0 {
		logger.Error("no NPU devices found", "device_name", deviceName)
		return 1
	}

	params := dxrt.DefaultParams(devices)
	params.Policy = schedPolicy
	params.SocketPath = socketPath

	svc, err := dxrt.NewService(params)
	if err != nil {
		logger.Error("failed to start service", "error", err)
		return 1
	}

	logger.Info("scheduler service starting", "devices", svc.NumDevices(), "policy", policy, "socket", socketPath)

	fatal := installSignalHandler(svc, logger)

	go svc.Run()
	code := <-fatal
	return code
}

// discoverDevices stats /dev/<name>0, /dev/<name>1, ... stopping at the
// first missing file (spec Sec 6).
func discoverDevices(name string) []dxrt.DeviceConfig {
	var devices []dxrt.DeviceConfig
	for id := uint32(0); ; id++ {
		path := uapi.DevicePath(name, id)
		if _, err := os.Stat(path); err != nil {
			break
		}
		devices = append(devices, dxrt.DeviceConfig{ID: id, Path: path})
	}
	return devices
}

func parsePolicy(s string) (dxrt.SchedulerPolicy, error) {
	switch strings.ToLower(s) {
	case "fifo", "":
		return dxrt.PolicyFIFO, nil
	case "roundrobin", "round-robin":
		return dxrt.PolicyRoundRobin, nil
	case "sjf":
		return dxrt.PolicySJF, nil
	default:
		return "", fmt.Errorf("unknown scheduler policy %q", s)
	}
}

// installSignalHandler runs the shared disposer for every signal named in
// spec Sec 6 (INT, TERM, SEGV, BUS, ABRT): a clean shutdown for INT/TERM,
// exit code 0; everything else is treated as fatal, exit code 1.
func installSignalHandler(svc *dxrt.Service, logger *logging.Logger) <-chan int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT)

	done := make(chan int, 1)
	go func() {
		sig := <-sigCh
		logger.Warn("received signal, disposing", "signal", sig)
		svc.Shutdown()

		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			done <- 0
		default:
			done <- 1
		}
	}()
	return done
}
