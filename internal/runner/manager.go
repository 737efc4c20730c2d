package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/conversation"
	"github.com/switchyard-ai/switchyard/internal/events"
	"github.com/switchyard-ai/switchyard/internal/protocol"
	"github.com/switchyard-ai/switchyard/internal/state"
	"github.com/switchyard-ai/switchyard/internal/telemetry/invariants"
)

const (
	// DefaultKillGrace is the SIGTERM grace window before SIGKILL.
	DefaultKillGrace = time.Second

	stderrTailLines  = 20
	logLineCapLength = 200
)

// Session is the identity snapshot of one supervised workflow session.
type Session struct {
	WorkflowID string
	TraceID    string
	TurnNumber int
	State      string
}

// SpawnInfo is the ProcessSpawn event payload.
type SpawnInfo struct {
	Session Session
	Program string
	PID     int
}

// ExitStatus is the ProcessExit event payload. Exactly one of Code and
// Signal is set for a normal exit; both are nil when the process never
// started.
type ExitStatus struct {
	Code   *int
	Signal *string
	State  string
}

// StderrLine is the StderrLine event payload.
type StderrLine struct {
	Line string
}

// NewWorkflowID returns a fresh short workflow identifier.
func NewWorkflowID() string {
	return "wf-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewTraceID returns a fresh 32-character lowercase hex trace id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Option customizes a Manager.
type Option func(*Manager)

// WithWorkflowIDSource overrides workflow id generation.
func WithWorkflowIDSource(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newWorkflowID = fn
		}
	}
}

// WithTraceIDSource overrides trace id generation.
func WithTraceIDSource(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newTraceID = fn
		}
	}
}

// Manager owns the orchestrator subprocess for one session. It is the only
// writer of the session's process handle and lifecycle state; Start,
// Continue, Kill and ResetSession serialize against each other, and a spawn
// always kills and awaits the previous process first, so a session never
// has two live subprocesses.
type Manager struct {
	workflow config.WorkflowConfig
	events   config.EventsConfig
	bus      events.Bus
	logger   *log.Logger
	machine  *state.Machine

	newWorkflowID func() string
	newTraceID    func() string

	opMu sync.Mutex

	mu      sync.Mutex
	session Session
	proc    *process
}

type process struct {
	cmd     *exec.Cmd
	session Session
	stdout  *LineBuffer
	stderr  *LineBuffer
	killed  atomic.Bool
	// done closes after the exit has been classified, the state transition
	// applied, and the exit event published.
	done chan struct{}

	tailMu sync.Mutex
	tail   []string
}

func (p *process) appendTail(line string) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > stderrTailLines {
		p.tail = p.tail[len(p.tail)-stderrTailLines:]
	}
}

func (p *process) tailSnapshot() []string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

// NewManager creates a subprocess lifecycle manager.
func NewManager(
	bus events.Bus,
	logger *log.Logger,
	workflow config.WorkflowConfig,
	eventsCfg config.EventsConfig,
	options ...Option,
) (*Manager, error) {
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if workflow.KillGrace <= 0 {
		workflow.KillGrace = DefaultKillGrace
	}

	manager := &Manager{
		workflow:      workflow,
		events:        eventsCfg,
		bus:           bus,
		logger:        logger,
		machine:       state.NewMachine(),
		newWorkflowID: NewWorkflowID,
		newTraceID:    NewTraceID,
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Session returns the current session identity and lifecycle state.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.session
	snapshot.State = m.machine.Current()
	return snapshot
}

// HasActiveSession reports whether a subprocess handle is currently owned.
func (m *Manager) HasActiveSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil
}

// Start begins a session turn. New sessions get fresh identifiers and turn
// number 1; a start on an existing session respawns the current turn. Any
// live subprocess is killed and awaited before the new one spawns.
func (m *Manager) Start(ctx context.Context, prompt string) (Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if strings.TrimSpace(prompt) == "" {
		return Session{}, errors.New("prompt is required")
	}
	program, prefix, err := m.resolveProgram()
	if err != nil {
		return Session{}, err
	}
	if err := m.killActive("superseded by new start"); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	if m.session.WorkflowID == "" {
		m.session = Session{
			WorkflowID: m.newWorkflowID(),
			TraceID:    m.newTraceID(),
			TurnNumber: 1,
		}
	} else if m.session.TurnNumber == 0 {
		m.session.TurnNumber = 1
	}
	sess := m.session
	m.mu.Unlock()

	if err := state.ValidateIdentity(identityOf(sess)); err != nil {
		return Session{}, fmt.Errorf("session identity: %w", err)
	}

	return m.spawnProcess(ctx, program, prefix, sess, prompt, "")
}

// Continue runs the next turn of an existing session, passing the serialized
// conversation context to the subprocess. A nil context omits the argument,
// which is the contract for sessions without recorded turns.
func (m *Manager) Continue(ctx context.Context, prompt string, convCtx *conversation.Context) (Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if strings.TrimSpace(prompt) == "" {
		return Session{}, errors.New("prompt is required")
	}
	program, prefix, err := m.resolveProgram()
	if err != nil {
		return Session{}, err
	}

	contextJSON := ""
	if convCtx != nil {
		encoded, err := convCtx.Encode()
		if err != nil {
			return Session{}, fmt.Errorf("encode conversation context: %w", err)
		}
		contextJSON = encoded
	}

	if err := m.killActive("superseded by continuation"); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	if m.session.WorkflowID == "" {
		m.mu.Unlock()
		return Session{}, errors.New("no session to continue; call Start first")
	}
	previousTurn := m.session.TurnNumber
	m.session.TurnNumber++
	sess := m.session
	m.mu.Unlock()

	invariants.CheckTurnNumberMonotonic(ctx, "runner.manager.continue", previousTurn, sess.TurnNumber)
	if err := state.ValidateIdentity(identityOf(sess)); err != nil {
		return Session{}, fmt.Errorf("session identity: %w", err)
	}

	return m.spawnProcess(ctx, program, prefix, sess, prompt, contextJSON)
}

// Kill terminates the active subprocess with SIGTERM, escalating to SIGKILL
// after the grace period. It resolves only once the process has actually
// exited, and is a no-op when no process is active.
func (m *Manager) Kill(_ context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.killActive("killed by caller")
}

// ResetSession kills any active subprocess and clears the session identity
// and turn counter. The next Start creates an unrelated session.
func (m *Manager) ResetSession(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.killActive("session reset"); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.session
	m.session = Session{}
	m.mu.Unlock()

	if m.machine.Current() != state.SessionIdle {
		if err := m.machine.Transition(ctx, old.WorkflowID, state.SessionIdle, "session identity cleared"); err != nil {
			m.logger.Error("session reset transition rejected", "workflow_id", old.WorkflowID, "err", err)
		}
	}

	if old.WorkflowID != "" {
		m.logger.Info("session reset", "workflow_id", old.WorkflowID, "trace_id", old.TraceID)
		m.bus.Publish(events.Event{
			Type:       events.EventTypeSessionReset,
			Timestamp:  time.Now(),
			WorkflowID: old.WorkflowID,
			TraceID:    old.TraceID,
			Severity:   events.SeverityInfo,
			Payload:    old,
		})
	}
	return nil
}

func identityOf(sess Session) state.Identity {
	return state.Identity{
		WorkflowID: sess.WorkflowID,
		TraceID:    sess.TraceID,
		TurnNumber: sess.TurnNumber,
	}
}

// resolveProgram preflights the configured entry point and returns the
// program plus the argv prefix ahead of the per-turn arguments. An empty
// entrypoint re-executes this binary in orchestrate mode.
func (m *Manager) resolveProgram() (string, []string, error) {
	entrypoint := strings.TrimSpace(m.workflow.Entrypoint)
	if entrypoint == "" {
		self, err := os.Executable()
		if err != nil {
			return "", nil, &ConfigError{
				Reason: fmt.Sprintf("no entrypoint configured and the supervisor binary could not be resolved: %v", err),
			}
		}
		return self, []string{"orchestrate"}, nil
	}

	if _, err := os.Stat(entrypoint); err != nil {
		return "", nil, &ConfigError{
			Reason: fmt.Sprintf("entrypoint %q is not present on disk: %v", entrypoint, err),
		}
	}

	if interpreter := strings.TrimSpace(m.workflow.Interpreter); interpreter != "" {
		return interpreter, []string{entrypoint}, nil
	}
	return entrypoint, nil, nil
}

func (m *Manager) spawnProcess(
	ctx context.Context,
	program string,
	prefix []string,
	sess Session,
	prompt string,
	contextJSON string,
) (Session, error) {
	args := append([]string{}, prefix...)
	args = append(args,
		"--prompt", prompt,
		"--workflow-id", sess.WorkflowID,
		"--trace-id", sess.TraceID,
		"--turn-number", strconv.Itoa(sess.TurnNumber),
	)
	if contextJSON != "" {
		args = append(args, "--conversation-context", contextJSON)
	}

	cmd := exec.Command(program, args...)
	cmd.Env = m.subprocessEnv()

	proc := &process{cmd: cmd, session: sess, done: make(chan struct{})}
	proc.stdout = NewLineBuffer(func(line string) { m.handleStdoutLine(sess, line) })
	proc.stderr = NewLineBuffer(func(line string) { m.handleStderrLine(proc, sess, line) })
	cmd.Stdout = proc.stdout
	cmd.Stderr = proc.stderr

	m.mu.Lock()
	live := 1
	if m.proc != nil {
		live++
	}
	m.mu.Unlock()
	invariants.CheckSingleSubprocess(ctx, "runner.manager.spawn", live)

	if err := cmd.Start(); err != nil {
		if terr := m.machine.Transition(ctx, sess.WorkflowID, state.SessionFailed, "subprocess never started"); terr != nil {
			m.logger.Error("spawn failure transition rejected", "workflow_id", sess.WorkflowID, "err", terr)
		}
		m.logger.Error("orchestrator spawn failed",
			"workflow_id", sess.WorkflowID,
			"turn", sess.TurnNumber,
			"program", program,
			"err", err,
		)
		m.publishExit(sess, ExitStatus{State: state.SessionFailed})
		return Session{}, &SpawnError{Program: program, Cause: err}
	}

	m.mu.Lock()
	m.proc = proc
	m.mu.Unlock()

	if err := m.machine.Transition(ctx, sess.WorkflowID, state.SessionRunning, fmt.Sprintf("turn %d spawned", sess.TurnNumber)); err != nil {
		m.logger.Error("running transition rejected", "workflow_id", sess.WorkflowID, "err", err)
	}

	m.logger.Info("orchestrator spawned",
		"workflow_id", sess.WorkflowID,
		"trace_id", sess.TraceID,
		"turn", sess.TurnNumber,
		"pid", cmd.Process.Pid,
	)
	m.bus.Publish(events.Event{
		Type:       events.EventTypeProcessSpawn,
		Timestamp:  time.Now(),
		WorkflowID: sess.WorkflowID,
		TraceID:    sess.TraceID,
		Severity:   events.SeverityInfo,
		Payload:    SpawnInfo{Session: sess, Program: program, PID: cmd.Process.Pid},
	})

	go m.supervise(proc)

	return m.Session(), nil
}

// supervise waits for the process to exit, flushes the residual line
// buffers, and settles state before releasing kill waiters.
func (m *Manager) supervise(proc *process) {
	waitErr := proc.cmd.Wait()
	proc.stdout.Flush()
	proc.stderr.Flush()

	status := classifyExit(waitErr, proc.killed.Load())

	m.mu.Lock()
	if m.proc == proc {
		m.proc = nil
	}
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.machine.Transition(ctx, proc.session.WorkflowID, status.State, exitReason(status)); err != nil {
		m.logger.Error("exit transition rejected", "workflow_id", proc.session.WorkflowID, "err", err)
	}

	switch status.State {
	case state.SessionCompleted:
		m.logger.Info("orchestrator exited",
			"workflow_id", proc.session.WorkflowID,
			"turn", proc.session.TurnNumber,
		)
	case state.SessionKilled:
		m.logger.Warn("orchestrator killed",
			"workflow_id", proc.session.WorkflowID,
			"turn", proc.session.TurnNumber,
		)
	default:
		m.logger.Error("orchestrator failed",
			"workflow_id", proc.session.WorkflowID,
			"turn", proc.session.TurnNumber,
			"exit", exitReason(status),
			"stderr_tail", strings.Join(proc.tailSnapshot(), "\n"),
		)
	}

	m.publishExit(proc.session, status)
	close(proc.done)
}

// killActive escalates SIGTERM -> grace -> SIGKILL against the active
// subprocess and returns once it has exited and its state is settled.
func (m *Manager) killActive(reason string) error {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return nil
	}

	proc.killed.Store(true)
	m.logger.Info("terminating orchestrator",
		"workflow_id", proc.session.WorkflowID,
		"pid", proc.cmd.Process.Pid,
		"reason", reason,
	)

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("SIGTERM delivery failed", "workflow_id", proc.session.WorkflowID, "err", err)
	}

	select {
	case <-proc.done:
		return nil
	case <-time.After(m.workflow.KillGrace):
	}

	m.logger.Warn("grace period expired, escalating to SIGKILL",
		"workflow_id", proc.session.WorkflowID,
		"pid", proc.cmd.Process.Pid,
	)
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("SIGKILL delivery failed", "workflow_id", proc.session.WorkflowID, "err", err)
	}

	<-proc.done
	return nil
}

func (m *Manager) handleStdoutLine(sess Session, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	event, err := protocol.Decode([]byte(line))
	if err != nil {
		m.logger.Debug("discarding unparseable stdout line",
			"workflow_id", sess.WorkflowID,
			"line", capForLog(line),
			"err", err,
		)
		return
	}

	severity := events.SeverityInfo
	if event.Type == protocol.EventWorkflowError {
		severity = events.SeverityError
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeWorkflow,
		Timestamp:  time.Now(),
		WorkflowID: event.WorkflowID,
		TraceID:    event.TraceID,
		Severity:   severity,
		Payload:    event,
	})
}

func (m *Manager) handleStderrLine(proc *process, sess Session, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	proc.appendTail(line)
	m.logger.Debug("orchestrator stderr", "workflow_id", sess.WorkflowID, "line", line)
	m.bus.Publish(events.Event{
		Type:       events.EventTypeStderrLine,
		Timestamp:  time.Now(),
		WorkflowID: sess.WorkflowID,
		TraceID:    sess.TraceID,
		Severity:   events.SeverityInfo,
		Payload:    StderrLine{Line: line},
	})
}

func (m *Manager) publishExit(sess Session, status ExitStatus) {
	severity := events.SeverityInfo
	switch status.State {
	case state.SessionFailed:
		severity = events.SeverityError
	case state.SessionKilled:
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeProcessExit,
		Timestamp:  time.Now(),
		WorkflowID: sess.WorkflowID,
		TraceID:    sess.TraceID,
		Severity:   severity,
		Payload:    status,
	})
}

func (m *Manager) subprocessEnv() []string {
	env := os.Environ()
	if m.events.TableName != "" {
		env = append(env, config.EnvTableName+"="+m.events.TableName)
	}
	if m.events.Region != "" {
		env = append(env, config.EnvRegion+"="+m.events.Region)
	}
	return env
}

func capForLog(line string) string {
	runes := []rune(line)
	if len(runes) <= logLineCapLength {
		return line
	}
	return string(runes[:logLineCapLength]) + "..."
}

// classifyExit maps a Wait outcome onto the terminal session state and the
// {code, signal} pair reported to subscribers. A signal-terminated process
// reports the signal and no code, mirroring how the exit is observed.
func classifyExit(waitErr error, killed bool) ExitStatus {
	var status ExitStatus

	switch {
	case waitErr == nil:
		code := 0
		status.Code = &code
		status.State = state.SessionCompleted
	default:
		status.State = state.SessionFailed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal := ws.Signal().String()
				status.Signal = &signal
			} else {
				code := exitErr.ExitCode()
				status.Code = &code
			}
		}
	}

	if killed {
		status.State = state.SessionKilled
	}
	return status
}

func exitReason(status ExitStatus) string {
	switch {
	case status.Signal != nil:
		return "terminated by signal " + *status.Signal
	case status.Code != nil:
		return fmt.Sprintf("exited with code %d", *status.Code)
	default:
		return "exit status unavailable"
	}
}
