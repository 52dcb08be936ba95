package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"testing/iotest"
	"time"

	"ets/internal/logging"
	"ets/internal/relay"
	"ets/internal/timestamp"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// sinks collects relay output per stream name.
type sinks struct {
	mu       sync.Mutex
	buffers  map[string]*syncBuffer
	attached int
}

func newSinks() *sinks {
	return &sinks{buffers: map[string]*syncBuffer{}}
}

func (s *sinks) attach(t *testing.T) AttachFunc {
	f, err := timestamp.New("[t]", timestamp.Absolute, time.UTC)
	require.NoError(t, err)
	return func(name string, src io.Reader) *relay.Relay {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.attached++
		buf := &syncBuffer{}
		s.buffers[name] = buf
		return relay.New(relay.Stream{Name: name, Src: src, Dst: buf}, timestamp.NewStamper(f, time.Now()))
	}
}

func (s *sinks) get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[name]; ok {
		return b.String()
	}
	return ""
}

// fakeProcess is a Process whose exit is controlled by the test.
type fakeProcess struct {
	spawnErr  error
	outputs   []Output
	exit      chan ExitInfo
	forwarded chan os.Signal
	// onForward, if set, decides how the process reacts to a signal.
	onForward func(p *fakeProcess, sig os.Signal) error

	mu       sync.Mutex
	exitInfo ExitInfo
}

func newFakeProcess(outputs ...Output) *fakeProcess {
	return &fakeProcess{
		outputs:   outputs,
		exit:      make(chan ExitInfo, 1),
		forwarded: make(chan os.Signal, 8),
	}
}

func (p *fakeProcess) Spawn() error      { return p.spawnErr }
func (p *fakeProcess) Outputs() []Output { return p.outputs }

func (p *fakeProcess) Wait() error {
	info := <-p.exit
	p.mu.Lock()
	p.exitInfo = info
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Forward(sig os.Signal) error {
	p.forwarded <- sig
	if p.onForward != nil {
		return p.onForward(p, sig)
	}
	return nil
}

func (p *fakeProcess) ExitInfo() ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitInfo
}

// killedBy terminates the fake process as if sig had killed it.
func killedBy(p *fakeProcess, sig os.Signal) error {
	s := sig.(syscall.Signal)
	p.exit <- ExitInfo{Code: SignalExitCode(s), Signaled: true, Signal: s}
	return nil
}

// testSupervisor returns a Supervisor whose signal channel is handed to the
// test instead of being registered with the runtime.
func testSupervisor() (*Supervisor, <-chan chan<- os.Signal) {
	registered := make(chan chan<- os.Signal, 1)
	s := New(nil)
	s.notify = func(c chan<- os.Signal, _ ...os.Signal) { registered <- c }
	s.stop = func(chan<- os.Signal) {}
	return s, registered
}

func TestSupervisor_RelaysBothStreams(t *testing.T) {
	proc := newFakeProcess(
		Output{Name: "stdout", Src: strings.NewReader("out1\nout2\n")},
		Output{Name: "stderr", Src: strings.NewReader("err1\n")},
	)
	proc.exit <- ExitInfo{Code: 3}

	s, _ := testSupervisor()
	out := newSinks()
	report, err := s.Run(context.Background(), proc, out.attach(t))
	require.NoError(t, err)
	require.Equal(t, 3, report.Exit.Code)
	require.False(t, report.Exit.Signaled)
	require.NoError(t, report.Err())
	require.Len(t, report.Results, 2)

	require.Equal(t, "[t] out1\n[t] out2\n", out.get("stdout"))
	require.Equal(t, "[t] err1\n", out.get("stderr"))
}

func TestSupervisor_LaunchErrorStartsNoRelay(t *testing.T) {
	proc := newFakeProcess(Output{Name: "stdout", Src: strings.NewReader("never\n")})
	proc.spawnErr = &LaunchError{Args: []string{"missing"}, Err: os.ErrNotExist}

	s, _ := testSupervisor()
	out := newSinks()
	_, err := s.Run(context.Background(), proc, out.attach(t))

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, ExitNotFound, launchErr.ExitCode())
	require.Zero(t, out.attached)
}

func TestSupervisor_ForwardsSignals(t *testing.T) {
	pr, pw := io.Pipe()
	proc := newFakeProcess(Output{Name: "stdout", Src: pr})
	proc.onForward = func(p *fakeProcess, sig os.Signal) error {
		_ = pw.Close()
		return killedBy(p, sig)
	}

	s, registered := testSupervisor()
	out := newSinks()
	done := make(chan Report, 1)
	go func() {
		report, err := s.Run(context.Background(), proc, out.attach(t))
		if err != nil {
			t.Errorf("Run failed: %v", err)
		}
		done <- report
	}()

	sigCh := <-registered
	_, err := pw.Write([]byte("busy waiting\n"))
	require.NoError(t, err)
	sigCh <- syscall.SIGINT

	select {
	case report := <-done:
		require.True(t, report.Exit.Signaled)
		require.Equal(t, syscall.SIGINT, report.Exit.Signal)
		require.Equal(t, 128+2, report.Exit.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	require.Equal(t, syscall.SIGINT, <-proc.forwarded)
	require.Equal(t, "[t] busy waiting\n", out.get("stdout"))
}

func TestSupervisor_IgnoredSignalKeepsWaiting(t *testing.T) {
	proc := newFakeProcess(Output{Name: "stdout", Src: strings.NewReader("")})
	proc.onForward = func(p *fakeProcess, sig os.Signal) error {
		if sig == syscall.SIGTERM {
			p.exit <- ExitInfo{Code: 0}
		}
		return nil
	}

	s, registered := testSupervisor()
	done := make(chan Report, 1)
	go func() {
		report, _ := s.Run(context.Background(), proc, newSinks().attach(t))
		done <- report
	}()

	sigCh := <-registered
	sigCh <- syscall.SIGINT
	require.Equal(t, syscall.SIGINT, <-proc.forwarded)

	select {
	case <-done:
		t.Fatal("supervisor returned before the child exited")
	case <-time.After(50 * time.Millisecond):
	}

	sigCh <- syscall.SIGTERM
	report := <-done
	require.Equal(t, 0, report.Exit.Code)
}

func TestSupervisor_ForwardFailureIsIgnored(t *testing.T) {
	proc := newFakeProcess(Output{Name: "stdout", Src: strings.NewReader("")})
	proc.onForward = func(p *fakeProcess, sig os.Signal) error {
		p.exit <- ExitInfo{Code: 7}
		return syscall.ESRCH
	}

	s, registered := testSupervisor()
	done := make(chan error, 1)
	var report Report
	go func() {
		var err error
		report, err = s.Run(context.Background(), proc, newSinks().attach(t))
		done <- err
	}()

	(<-registered) <- syscall.SIGHUP
	require.NoError(t, <-done)
	require.Equal(t, 7, report.Exit.Code)
}

func TestSupervisor_ContextCancelSendsSIGTERM(t *testing.T) {
	proc := newFakeProcess(Output{Name: "stdout", Src: strings.NewReader("")})
	proc.onForward = killedBy

	s, _ := testSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := s.Run(ctx, proc, newSinks().attach(t))
	require.NoError(t, err)
	require.Equal(t, syscall.SIGTERM, <-proc.forwarded)
	require.Equal(t, 128+int(syscall.SIGTERM), report.Exit.Code)
}

func TestSupervisor_RelayErrorKeepsExitCode(t *testing.T) {
	boom := errors.New("boom")
	proc := newFakeProcess(
		Output{Name: "stdout", Src: iotest.ErrReader(boom)},
		Output{Name: "stderr", Src: strings.NewReader("still here\n")},
	)
	proc.exit <- ExitInfo{Code: 4}

	s, _ := testSupervisor()
	out := newSinks()
	report, err := s.Run(context.Background(), proc, out.attach(t))
	require.NoError(t, err)
	require.Equal(t, 4, report.Exit.Code)
	require.ErrorIs(t, report.Err(), boom)
	require.Equal(t, "[t] still here\n", out.get("stderr"))
}

func runReal(t *testing.T, args []string, opts ExecOptions) (Report, *sinks, error) {
	t.Helper()
	proc, err := NewExecProcess(args, opts)
	require.NoError(t, err)

	s, _ := testSupervisor()
	out := newSinks()
	report, err := s.Run(context.Background(), proc, out.attach(t))
	return report, out, err
}

func TestExecProcess_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"true", []string{"true"}, 0},
		{"false", []string{"false"}, 1},
		{"exit 42", []string{"sh", "-c", "exit 42"}, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, out, err := runReal(t, tt.args, ExecOptions{})
			require.NoError(t, err)
			require.Equal(t, tt.code, report.Exit.Code)
			require.Empty(t, out.get("stdout"))
			require.Empty(t, out.get("stderr"))
			for _, res := range report.Results {
				require.Zero(t, res.Lines)
			}
		})
	}
}

func TestExecProcess_SeparatesStreams(t *testing.T) {
	script := "echo out1; echo err1 >&2; echo out2; echo err2 >&2; printf 'no newline'"
	report, out, err := runReal(t, []string{"sh", "-c", script}, ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, report.Exit.Code)

	// Only per-stream order is guaranteed.
	require.Equal(t, "[t] out1\n[t] out2\n[t] no newline", out.get("stdout"))
	require.Equal(t, "[t] err1\n[t] err2\n", out.get("stderr"))
}

func TestExecProcess_Stdin(t *testing.T) {
	report, out, err := runReal(t, []string{"cat"}, ExecOptions{Stdin: strings.NewReader("piped\n")})
	require.NoError(t, err)
	require.Equal(t, 0, report.Exit.Code)
	require.Equal(t, "[t] piped\n", out.get("stdout"))
}

func TestExecProcess_NotFound(t *testing.T) {
	_, out, err := runReal(t, []string{"definitely-not-a-command-ets-test"}, ExecOptions{})

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, ExitNotFound, launchErr.ExitCode())
	require.Contains(t, err.Error(), "definitely-not-a-command-ets-test")
	require.Zero(t, out.attached)
}

func TestExecProcess_NotExecutable(t *testing.T) {
	dir := t.TempDir()
	_, _, err := runReal(t, []string{dir}, ExecOptions{})

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, ExitCannotExecute, launchErr.ExitCode())
}

func TestExecProcess_ForwardedTerminate(t *testing.T) {
	proc, err := NewExecProcess([]string{"sh", "-c", "echo ready; exec sleep 30"}, ExecOptions{NewProcessGroup: true})
	require.NoError(t, err)

	s, registered := testSupervisor()
	out := newSinks()
	done := make(chan Report, 1)
	go func() {
		report, err := s.Run(context.Background(), proc, out.attach(t))
		if err != nil {
			t.Errorf("Run failed: %v", err)
		}
		done <- report
	}()

	sigCh := <-registered
	require.Eventually(t, func() bool {
		return strings.Contains(out.get("stdout"), "ready")
	}, 5*time.Second, 10*time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case report := <-done:
		require.True(t, report.Exit.Signaled)
		require.Equal(t, 128+int(syscall.SIGTERM), report.Exit.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("child was not terminated")
	}
}

func TestExecProcess_SkipTTYSignals(t *testing.T) {
	proc, err := NewExecProcess([]string{"true"}, ExecOptions{SkipTTYSignals: true})
	require.NoError(t, err)
	require.NoError(t, proc.Spawn())
	defer func() { _ = proc.Close() }()

	// Dropped without touching the process.
	require.NoError(t, proc.Forward(syscall.SIGINT))
	require.NoError(t, proc.Wait())
	require.Equal(t, 0, proc.ExitInfo().Code)
}

func TestExecProcess_CloseAfterStreamClosed(t *testing.T) {
	proc, err := NewExecProcess([]string{"true"}, ExecOptions{})
	require.NoError(t, err)
	require.NoError(t, proc.Spawn())
	require.NoError(t, proc.Wait())

	require.NoError(t, proc.stdout.Close())
	require.NoError(t, proc.Close())
}

func TestExitInfoString(t *testing.T) {
	require.Equal(t, "exited with code 3", ExitInfo{Code: 3}.String())
	require.Equal(t, "terminated by SIGTERM (exit code 143)",
		ExitInfo{Code: 143, Signaled: true, Signal: syscall.SIGTERM}.String())
}
