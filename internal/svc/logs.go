package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions selects which service logs to show.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// logCommand returns the platform command that prints a service's logs.
func logCommand(opts LogOptions) (*exec.Cmd, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch runtime.GOOS {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case "darwin":
		// launchd writes service output to /var/log/<name>.{out,err}.log
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName))
		return exec.Command("tail", args...), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

// ViewLogs streams service logs to stdout.
func ViewLogs(opts LogOptions) error {
	cmd, err := logCommand(opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
