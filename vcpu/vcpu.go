// Package vcpu is the per-vCPU worker (C3): one dedicated goroutine,
// locked to its OS thread, running the in-kernel run loop under a small
// command/response protocol. It generalizes machine.Machine's
// RunInfiniteLoop/RunOnce -- previously driven directly, one goroutine
// per cpu, from the teacher's vmm.VMM.Boot -- into the
// Configure/Resume/Pause/PauseToSnapshot/Deserialize/Exit protocol of
// spec §4.3.
package vcpu

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nmi/uvmm/kvm"
	"github.com/nmi/uvmm/machine"
	"github.com/nmi/uvmm/snapshot"
)

// kickSignal is the process-wide no-op signal used to force a vCPU out of
// the blocking run ioctl. It is otherwise unused by this VMM.
const kickSignal = unix.SIGUSR1

var installKickHandlerOnce sync.Once

// installKickHandler registers the kick signal with the Go runtime so
// that delivering it to a locked-to-thread goroutine interrupts its
// blocking syscall instead of the process's default disposition
// (terminate). Spec §9's "Signal-driven kick" requires this be installed
// exactly once; sync.Once gives that for free regardless of how many
// Workers are created.
func installKickHandler() {
	installKickHandlerOnce.Do(func() {
		signal.Notify(make(chan os.Signal, 1), kickSignal)
	})
}

// State is the vCPU's own state machine (spec §4.3).
type State int

const (
	StateCreated State = iota
	StatePaused
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StatePaused:
		return "Paused"
	case StateRunning:
		return "Running"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// CmdKind tags a command sent to a Worker.
type CmdKind int

const (
	CmdConfigure CmdKind = iota
	CmdResume
	CmdPause
	CmdPauseToSnapshot
	CmdDeserialize
	CmdExit
)

// Configure carries Configure(vm_config, entry_addr)'s payload.
type Configure struct {
	EntryAddr uint64
	BootParam uint64
	AMD64     bool
}

// Command is one message in the command protocol. RespCh, if non-nil,
// receives exactly one Response for this command.
type Command struct {
	Kind      CmdKind
	Configure Configure
	Barrier   *sync.WaitGroup
	State     *snapshot.VCPUState
	RespCh    chan<- Response
}

// RespKind tags a Worker's reply.
type RespKind int

const (
	RespResumed RespKind = iota
	RespPaused
	RespPausedToSnapshot
	RespDeserialized
	RespError
)

// Response is a Worker's reply to a Command.
type Response struct {
	Kind  RespKind
	State *snapshot.VCPUState
	Err   error
}

var ErrExited = errors.New("vcpu already exited")

// ExitEvent describes why the run loop stopped firing: a clean Exit
// command, or a fatal condition that should raise the VM-exit event fd.
type ExitEvent struct {
	Fatal bool
	Err   error
}

// Worker is one vCPU's command-driven goroutine (C3).
type Worker struct {
	CPU int
	m   *machine.Machine

	mu    sync.Mutex
	state State
	tid   int

	cmdCh  chan Command
	ExitCh chan ExitEvent
}

// New returns a Worker for vCPU cpu against Machine m. The goroutine is
// not started until Run is called.
func New(m *machine.Machine, cpu int) *Worker {
	installKickHandler()

	return &Worker{
		CPU:    cpu,
		m:      m,
		state:  StateCreated,
		cmdCh:  make(chan Command, 4),
		ExitCh: make(chan ExitEvent, 1),
	}
}

// Send enqueues a command for the worker goroutine to process. It never
// blocks on command validity; invalid commands for the current state are
// reported on RespCh (if any) and otherwise dropped.
func (w *Worker) Send(c Command) {
	w.cmdCh <- c
}

// State returns the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// Kick forces the worker out of a blocking run ioctl by signaling its OS
// thread (spec §9, "Signal-driven kick"). It is a no-op if the worker has
// not yet recorded a tid.
func (w *Worker) Kick() {
	w.mu.Lock()
	tid := w.tid
	w.mu.Unlock()

	if tid == 0 {
		return
	}

	if err := unix.Tgkill(unix.Getpid(), tid, kickSignal); err != nil {
		log.Printf("vcpu %d: kick: %v", w.CPU, err)
	}
}

func reply(ch chan<- Response, r Response) {
	if ch != nil {
		ch <- r
	}
}

// Run is the worker goroutine's entry point: locks to its OS thread,
// records its tid for Kick, then loops on the command channel and the
// in-kernel run loop per spec §4.3's command and run-loop tables.
func (w *Worker) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.mu.Lock()
	w.tid = unix.Gettid()
	w.mu.Unlock()

	for {
		cmd := <-w.cmdCh

		if w.handleCommand(cmd) {
			return
		}
	}
}

// handleCommand processes one command received while not Running (while
// Running, the same commands are handled inline by runUntilNotRunning).
// Returns true once the worker has exited.
func (w *Worker) handleCommand(cmd Command) bool {
	switch cmd.Kind {
	case CmdExit:
		w.setState(StateExited)
		reply(cmd.RespCh, Response{})
		w.ExitCh <- ExitEvent{}

		return true

	case CmdConfigure:
		if w.State() != StateCreated {
			reply(cmd.RespCh, Response{Kind: RespError, Err: errBadState(cmd.Kind, w.State())})

			return false
		}

		err := w.m.SetupRegs(cmd.Configure.EntryAddr, cmd.Configure.BootParam, cmd.Configure.AMD64)
		if err != nil {
			log.Printf("vcpu %d: configure: %v", w.CPU, err)
		}

		w.setState(StatePaused)
		reply(cmd.RespCh, Response{Err: err})

		return false

	case CmdDeserialize:
		if w.State() != StatePaused {
			reply(cmd.RespCh, Response{Kind: RespError, Err: errBadState(cmd.Kind, w.State())})

			return false
		}

		err := w.m.RestoreCPUState(w.CPU, cmd.State)
		reply(cmd.RespCh, Response{Kind: RespDeserialized, Err: err})

		return false

	case CmdResume:
		if w.State() != StatePaused {
			reply(cmd.RespCh, Response{Kind: RespError, Err: errBadState(cmd.Kind, w.State())})

			return false
		}

		w.setState(StateRunning)
		reply(cmd.RespCh, Response{Kind: RespResumed})

		return w.runUntilNotRunning()

	case CmdPause, CmdPauseToSnapshot:
		// Already Paused: the command table only requires a response when
		// the vCPU was actually Running; nothing to do here.
		reply(cmd.RespCh, Response{Kind: RespPaused})

		return false

	default:
		return false
	}
}

// runUntilNotRunning drives the in-kernel run loop while Running,
// checking for an inline command between exits. Returns true once the
// worker has exited.
func (w *Worker) runUntilNotRunning() bool {
	for w.State() == StateRunning {
		select {
		case cmd := <-w.cmdCh:
			if exited := w.handleInlineCommand(cmd); exited {
				return true
			}

			continue
		default:
		}

		cont, err := w.m.RunOnce(w.CPU)
		if cont {
			continue
		}

		if err != nil {
			if errors.Is(err, kvm.ErrDebug) {
				continue
			}

			w.setState(StateExited)
			w.ExitCh <- ExitEvent{Fatal: true, Err: err}

			return true
		}

		// Hlt: transition to Paused and go back to waiting on cmdCh.
		w.setState(StatePaused)

		return false
	}

	return false
}

// handleInlineCommand processes a command that arrived while Running:
// Pause, PauseToSnapshot (with its barrier rendezvous), and Exit. Returns
// true once the worker has exited.
func (w *Worker) handleInlineCommand(cmd Command) bool {
	switch cmd.Kind {
	case CmdExit:
		w.setState(StateExited)
		reply(cmd.RespCh, Response{})
		w.ExitCh <- ExitEvent{}

		return true

	case CmdPause:
		w.setState(StatePaused)
		reply(cmd.RespCh, Response{Kind: RespPaused})

	case CmdPauseToSnapshot:
		state, err := w.m.SaveCPUState(w.CPU)

		w.setState(StatePaused)

		if cmd.Barrier != nil {
			cmd.Barrier.Done()
			cmd.Barrier.Wait()
		}

		if err != nil {
			log.Printf("vcpu %d: pause-to-snapshot: %v", w.CPU, err)
		}

		reply(cmd.RespCh, Response{Kind: RespPausedToSnapshot, State: state, Err: err})

	default:
	}

	return false
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func errBadState(kind CmdKind, s State) error {
	return &BadStateError{Cmd: kind, State: s}
}

// BadStateError reports a command rejected because the vCPU was not in
// an accepting state for it.
type BadStateError struct {
	Cmd   CmdKind
	State State
}

func (e *BadStateError) Error() string {
	return "vcpu: command not accepted in state " + e.State.String()
}
