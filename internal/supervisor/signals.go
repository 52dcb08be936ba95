package supervisor

import (
	"fmt"
	"os"
	"syscall"
)

// Signal describes a Unix signal and how ets treats it.
type Signal struct {
	Number      syscall.Signal
	Name        string
	Description string
	Forward     bool // relayed to the child when ets receives it
	FromTTY     bool // generated by the terminal for the whole foreground group
}

var signalTable = []Signal{
	{Number: syscall.SIGHUP, Name: "SIGHUP", Description: "Hangup", Forward: true, FromTTY: true},
	{Number: syscall.SIGINT, Name: "SIGINT", Description: "Interrupt", Forward: true, FromTTY: true},
	{Number: syscall.SIGQUIT, Name: "SIGQUIT", Description: "Quit", Forward: true, FromTTY: true},
	{Number: syscall.SIGABRT, Name: "SIGABRT", Description: "Aborted"},
	{Number: syscall.SIGKILL, Name: "SIGKILL", Description: "Killed"},
	{Number: syscall.SIGUSR1, Name: "SIGUSR1", Description: "User defined signal 1", Forward: true},
	{Number: syscall.SIGSEGV, Name: "SIGSEGV", Description: "Segmentation fault"},
	{Number: syscall.SIGUSR2, Name: "SIGUSR2", Description: "User defined signal 2", Forward: true},
	{Number: syscall.SIGPIPE, Name: "SIGPIPE", Description: "Broken pipe"},
	{Number: syscall.SIGALRM, Name: "SIGALRM", Description: "Alarm clock"},
	{Number: syscall.SIGTERM, Name: "SIGTERM", Description: "Terminated", Forward: true},
}

// LookupSignal returns the table entry for sig.
func LookupSignal(sig os.Signal) (Signal, bool) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return Signal{}, false
	}
	for _, entry := range signalTable {
		if entry.Number == s {
			return entry, true
		}
	}
	return Signal{}, false
}

// SignalName returns the conventional name of sig, e.g. "SIGINT".
func SignalName(sig os.Signal) string {
	if entry, ok := LookupSignal(sig); ok {
		return entry.Name
	}
	if s, ok := sig.(syscall.Signal); ok {
		return fmt.Sprintf("signal %d", int(s))
	}
	return sig.String()
}

// ForwardedSignals returns the signals ets catches and relays to its child.
func ForwardedSignals() []os.Signal {
	var sigs []os.Signal
	for _, entry := range signalTable {
		if entry.Forward {
			sigs = append(sigs, entry.Number)
		}
	}
	return sigs
}

// SignalExitCode returns the shell convention exit code for a process killed
// by sig: 128 plus the signal number.
func SignalExitCode(sig syscall.Signal) int {
	return 128 + int(sig)
}
