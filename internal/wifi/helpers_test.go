package wifi

import (
	"context"
	"net/netip"
	"strings"
	"sync"

	"github.com/piclawhq/piclaw-net/internal/executil"
)

// fakeRunner scripts responses for one-shot commands and records every
// invocation as a single "name arg arg ..." line.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	stubs []runStub
}

type runStub struct {
	prefix string
	out    []byte
	err    error
}

func (f *fakeRunner) stub(prefix string, out []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs = append(f.stubs, runStub{prefix: prefix, out: out, err: err})
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	f.calls = append(f.calls, cmdline)
	stubs := make([]runStub, len(f.stubs))
	copy(stubs, f.stubs)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, s := range stubs {
		if strings.HasPrefix(cmdline, s.prefix) {
			return s.out, s.err
		}
	}
	return nil, nil
}

func (f *fakeRunner) called(prefix string) bool {
	return f.countCalls(prefix) > 0
}

func (f *fakeRunner) countCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeRunner) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeProcess is a scripted daemon handle.
type fakeProcess struct {
	name    string
	pid     int
	stopErr error

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func newFakeProcess(name string, pid int) *fakeProcess {
	return &fakeProcess{name: name, pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Name() string { return p.name }

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	}
	return p.stopErr
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// fakeStarter hands out fakeProcesses and records what was launched and
// what was adopted.
type fakeStarter struct {
	mu       sync.Mutex
	started  []*fakeProcess
	adopted  []*fakeProcess
	nextPid  int
	failOn   map[string]error // daemon name -> Start error
	crashOn  map[string]bool  // daemon name -> exits immediately after start
	adoptErr error            // every Adopt fails with this
}

func (f *fakeStarter) Start(name string, args ...string) (executil.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[name]; err != nil {
		return nil, err
	}
	f.nextPid++
	p := newFakeProcess(name, 1000+f.nextPid)
	if f.crashOn[name] {
		close(p.done)
	}
	f.started = append(f.started, p)
	return p, nil
}

func (f *fakeStarter) Adopt(name string, pid int) (executil.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adoptErr != nil {
		return nil, f.adoptErr
	}
	p := newFakeProcess(name, pid)
	f.adopted = append(f.adopted, p)
	return p, nil
}

func (f *fakeStarter) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.started))
	for _, p := range f.started {
		names = append(names, p.name)
	}
	return names
}

func (f *fakeStarter) find(name string) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.started {
		if p.name == name {
			return p
		}
	}
	return nil
}

// fakePortal scripts the portal manager.
type fakePortal struct {
	mu       sync.Mutex
	active   bool
	starts   int
	stops    int
	startErr error
	stopErr  error
}

func (f *fakePortal) StartPortal(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.active = true
	return nil
}

func (f *fakePortal) StopPortal(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.active = false
	return f.stopErr
}

func (f *fakePortal) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakePortal) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakePortal) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// fakeConnProbe scripts connectivity: IsConnected reports true from the
// succeedOn-th call onward (0 means never).
type fakeConnProbe struct {
	mu        sync.Mutex
	checks    int
	succeedOn int
	addr      netip.Addr
	addrErr   error
}

func (p *fakeConnProbe) IsConnected(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	return p.succeedOn > 0 && p.checks >= p.succeedOn
}

func (p *fakeConnProbe) Address(ctx context.Context) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addrErr != nil {
		return netip.Addr{}, p.addrErr
	}
	return p.addr, nil
}

func (p *fakeConnProbe) checkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checks
}
