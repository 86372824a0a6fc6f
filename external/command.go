package external

import (
	"fmt"
	"os"
	"os/exec"
)

// Spawn launches an external agent binary and wires a Conn over its stdio.
// The agent's stderr passes through to ours. The caller owns both the
// returned Conn (register handlers, then Start) and the process (Wait after
// Close).
func Spawn(name string, args ...string) (*Conn, *exec.Cmd, error) {
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", name, err)
	}

	return NewConn(stdout, stdin), cmd, nil
}
