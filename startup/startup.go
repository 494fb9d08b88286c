// startup/startup.go
package startup

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
)

const commandTimeout = 10 * time.Second

// IsPortInUse probe-binds the address to see whether something already
// holds it.
func IsPortInUse(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return true
	}
	l.Close()
	return false
}

// FindPIDUsingPort returns the PID of the process holding the port, or
// 0 when it cannot be determined.
func FindPIDUsingPort(port int) int {
	if runtime.GOOS == "windows" {
		return findPIDWindows(port)
	}
	return findPIDUnix(port)
}

func findPIDUnix(port int) int {
	out, err := runCommand("lsof", "-i", fmt.Sprintf(":%d", port), "-t")
	if err != nil {
		logger.Log.Warnf("Failed to find PID using lsof: %v", err)
		return 0
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}

func findPIDWindows(port int) int {
	out, err := runCommand("netstat", "-ano")
	if err != nil {
		logger.Log.Warnf("Failed to find PID using netstat: %v", err)
		return 0
	}
	needle := fmt.Sprintf(":%d", port)
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, needle) || !strings.Contains(line, "LISTENING") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if pid, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
			return pid
		}
	}
	return 0
}

func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out := &strings.Builder{}
	cmd.Stdout = out

	if err := cmd.Start(); err != nil {
		return "", err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(commandTimeout):
		cmd.Process.Kill()
		<-done
		return "", fmt.Errorf("startup: %s timed out", name)
	}
}

// KillProcess terminates a process by PID.
func KillProcess(pid int) bool {
	if runtime.GOOS == "windows" {
		if _, err := runCommand("taskkill", "/PID", strconv.Itoa(pid), "/F"); err != nil {
			logger.Log.Warnf("Failed to kill process %d: %v", pid, err)
			return false
		}
		return true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		logger.Log.Warnf("Failed to find process %d: %v", pid, err)
		return false
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logger.Log.Warnf("Failed to kill process %d: %v", pid, err)
		return false
	}
	return true
}

// CleanupStalePort tries to free the listen port from a stale holder.
// Best-effort only: every failure is logged and reported as false, and
// callers attempt the bind regardless so the real OS-level error, if
// any, surfaces there.
func CleanupStalePort(host string, port int) bool {
	if !IsPortInUse(host, port) {
		return true
	}

	logger.Log.Infof("Port %d is in use, attempting cleanup", port)

	pid := FindPIDUsingPort(port)
	if pid == 0 {
		logger.Log.Warnf("Could not find PID for process on port %d", port)
		return false
	}
	if pid == os.Getpid() {
		logger.Log.Warnf("Port %d is held by our own process (PID %d), cannot clean up", port, pid)
		return false
	}

	logger.Log.Infof("Found process %d on port %d, terminating", pid, port)
	if !KillProcess(pid) {
		return false
	}

	// Give the OS a moment to release the port.
	time.Sleep(500 * time.Millisecond)

	if IsPortInUse(host, port) {
		logger.Log.Warnf("Process killed but port %d still in use", port)
		return false
	}
	logger.Log.Infof("Successfully cleaned up port %d", port)
	return true
}
