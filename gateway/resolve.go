package gateway

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// UnknownProcess is the sentinel name reported when the owning process of a
// listening port cannot be determined.
const UnknownProcess = "unknown"

const defaultResolveTimeout = 3 * time.Second

// ServiceInfo describes one discovered local service. Produced fresh on
// every scan; never persisted.
type ServiceInfo struct {
	Port int    `json:"port"`
	Name string `json:"name"`
	PID  *int   `json:"pid"`
}

// Resolver attributes listening ports to their owning processes by querying
// lsof. Resolution is strictly best-effort: a missing tool, an empty result,
// or a timeout all yield the sentinel rather than an error, so a scan can
// never be aborted by the resolver.
type Resolver struct {
	// Timeout bounds each external query.
	Timeout time.Duration

	// lsofPath overrides the binary looked up on PATH. Tests point it at a
	// nonexistent file to exercise the sentinel path.
	lsofPath string
}

func (r Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultResolveTimeout
}

func (r Resolver) tool() string {
	if r.lsofPath != "" {
		return r.lsofPath
	}
	return "lsof"
}

// Resolve returns the name and PID of the process listening on port, or
// (UnknownProcess, nil) when it cannot be determined.
func (r Resolver) Resolve(ctx context.Context, port int) (string, *int) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	out, err := exec.CommandContext(ctx, r.tool(),
		"-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN", "-Fcp").Output()
	if err != nil {
		return UnknownProcess, nil
	}

	name, pid, ok := parseLsofFields(out)
	if !ok {
		return UnknownProcess, nil
	}
	return name, &pid
}

// PIDs returns every PID currently holding a listener on port. Unlike
// Resolve, an error here is surfaced: termination must distinguish "nothing
// listening" from "could not ask".
func (r Resolver) PIDs(ctx context.Context, port int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	out, err := exec.CommandContext(ctx, r.tool(),
		"-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits nonzero when no process matches; report that as an
		// empty result, not a resolution failure.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) == 0 && ctx.Err() == nil {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list pids on port %d", port)
	}

	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// parseLsofFields parses lsof -F output ("p<pid>\nc<name>\n...") and returns
// the first process record.
func parseLsofFields(out []byte) (name string, pid int, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case 'p':
			parsed, err := strconv.Atoi(line[1:])
			if err != nil {
				continue
			}
			pid = parsed
		case 'c':
			name = line[1:]
		}
		if name != "" && pid != 0 {
			return name, pid, true
		}
	}
	return "", 0, false
}
