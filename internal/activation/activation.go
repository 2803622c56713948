package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes activated sockets starting at fd 3 (after stdin/stdout/stderr).
const listenFDsStart = 3

// Listeners returns the listeners passed in via systemd socket activation,
// or nil when the process was not socket-activated. The webhook server uses
// this so `packsyncd serve` can sit behind a systemd .socket unit.
func Listeners() ([]net.Listener, error) {
	count, err := listenFDCount()
	if err != nil || count == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("listen-fd-%d", fd))
		if file == nil {
			return nil, fmt.Errorf("failed to open activated fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener duplicates the descriptor; the file is closed either way.
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		listeners = append(listeners, listener)
	}

	// Clear the activation environment so child processes (git, external
	// generators) don't inherit it.
	unsetActivationEnv()

	return listeners, nil
}

// listenFDCount reads the LISTEN_PID/LISTEN_FDS activation environment and
// returns how many descriptors were passed to this process. Activation
// aimed at a different PID is ignored, not an error.
func listenFDCount() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return 0, nil
	}

	return count, nil
}

func unsetActivationEnv() {
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
}
