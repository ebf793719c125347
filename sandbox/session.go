package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/runtime"
)

// Frame is one unit of interactive traffic. Inbound frames carry stdin for
// the container or request the session to close; outbound frames carry a
// chunk of the process's stdout or stderr. Exit and error frames are
// terminal: the session closes after sending one.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

const (
	FrameStdin  = "stdin"
	FrameStop   = "stop"
	FrameStdout = "stdout"
	FrameStderr = "stderr"
	FrameExit   = "exit"
	FrameError  = "error"
)

// defaultFrameBytes caps the payload of a single frame in either direction.
const defaultFrameBytes = 64 * 1024

// Transport carries frames between the session and a client. The websocket
// adapter is the production implementation; tests use an in-memory pipe.
// ReadFrame and WriteFrame must be safe to call from different goroutines,
// one reader and one writer.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Session streams a running execution's stdio over a Transport. One pump
// goroutine per direction: the read pump forwards stdin frames into the
// container, the write pumps chunk stdout and stderr into frames. The
// session closes when the client disconnects, the process exits, or the
// execution is stopped, whichever comes first.
type Session struct {
	ExecutionID string

	logger    *zap.Logger
	transport Transport
	attach    *runtime.Attach
	frameMax  int

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	onClose   func()
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.attach.Close()
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close", zap.String("execution_id", s.ExecutionID), zap.Error(err))
		}
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Session) run() {
	var pumps sync.WaitGroup
	pumps.Add(3)
	go func() {
		defer pumps.Done()
		s.readPump()
	}()
	go func() {
		defer pumps.Done()
		s.writePump(FrameStdout, s.attach.Stdout)
	}()
	go func() {
		defer pumps.Done()
		s.writePump(FrameStderr, s.attach.Stderr)
	}()
	pumps.Wait()
	s.Close()
}

// readPump forwards stdin frames from the client into the container until
// the transport fails, a stop frame arrives, or the session closes.
func (s *Session) readPump() {
	defer s.Close()
	for {
		frame, err := s.transport.ReadFrame()
		if err != nil {
			return
		}
		switch frame.Type {
		case FrameStop:
			return
		case FrameStdin:
			if len(frame.Content) > s.frameMax {
				s.send(Frame{Type: FrameError, Content: fmt.Sprintf("frame exceeds %d bytes", s.frameMax)})
				continue
			}
			if _, err := io.WriteString(s.attach.Stdin, frame.Content); err != nil {
				s.logger.Debug("stdin write failed",
					zap.String("execution_id", s.ExecutionID), zap.Error(err))
				return
			}
		default:
			s.send(Frame{Type: FrameError, Content: fmt.Sprintf("unknown frame type %q", frame.Type)})
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

// writePump chunks one output stream into frames. EOF means the process
// closed the stream, normally because it exited; the stdout pump sends the
// terminal exit frame.
func (s *Session) writePump(frameType string, r io.Reader) {
	buf := make([]byte, s.frameMax)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !s.send(Frame{Type: frameType, Content: string(buf[:n])}) {
				return
			}
		}
		if err != nil {
			if frameType == FrameStdout && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)) {
				s.send(Frame{Type: FrameExit})
			}
			s.Close()
			return
		}
	}
}

func (s *Session) send(frame Frame) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.transport.WriteFrame(frame); err != nil {
		s.logger.Debug("frame write failed",
			zap.String("execution_id", s.ExecutionID), zap.Error(err))
		return false
	}
	return true
}

// SessionManager attaches interactive sessions to running executions,
// enforcing at most one live session per execution.
type SessionManager struct {
	logger   *zap.Logger
	rt       runtime.Client
	store    *Store
	frameMax int

	mu       sync.Mutex
	sessions map[string]*Session
	// pending holds attach reservations keyed by execution ID; the value
	// flips to true when a close is requested before the attach completes.
	pending map[string]bool
}

// SessionManagerOption defines a functional option for SessionManager.
type SessionManagerOption func(*SessionManager)

// WithFrameBytes sets the per-frame payload cap.
func WithFrameBytes(n int) SessionManagerOption {
	return func(m *SessionManager) {
		if n > 0 {
			m.frameMax = n
		}
	}
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(logger *zap.Logger, rt runtime.Client, store *Store, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		logger:   logger,
		rt:       rt,
		store:    store,
		frameMax: defaultFrameBytes,
		sessions: make(map[string]*Session),
		pending:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach opens an interactive session for a running execution and starts
// its pumps. The transport is owned by the session from here on and is
// closed with it. Fails with *SessionAlreadyAttachedError if a session is
// already live, and with ErrExecutionNotFound for unknown or not-running
// executions.
func (m *SessionManager) Attach(ctx context.Context, executionID string, transport Transport) (*Session, error) {
	snap, ok := m.store.Snapshot(executionID)
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if snap.Status != StatusRunning || snap.ContainerID == "" {
		return nil, fmt.Errorf("execution %s is not running", executionID)
	}

	m.mu.Lock()
	_, live := m.sessions[executionID]
	_, reserved := m.pending[executionID]
	if live || reserved {
		m.mu.Unlock()
		return nil, &SessionAlreadyAttachedError{ExecutionID: executionID}
	}
	// Reserve the slot before the attach call so concurrent attaches
	// cannot both pass the check.
	m.pending[executionID] = false
	m.mu.Unlock()

	attach, err := m.rt.AttachContainer(ctx, snap.ContainerID)
	if err != nil {
		m.mu.Lock()
		delete(m.pending, executionID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	sess := &Session{
		ExecutionID: executionID,
		logger:      m.logger,
		transport:   transport,
		attach:      attach,
		frameMax:    m.frameMax,
		done:        make(chan struct{}),
		onClose:     func() { m.release(executionID) },
	}
	m.mu.Lock()
	closeRequested := m.pending[executionID]
	delete(m.pending, executionID)
	m.sessions[executionID] = sess
	m.mu.Unlock()

	m.logger.Info("interactive session attached", zap.String("execution_id", executionID))
	go sess.run()
	if closeRequested {
		sess.Close()
	}
	return sess, nil
}

// CloseSession closes the live session for an execution, if any. A close
// that lands while an attach for the same execution is still in flight is
// remembered and applied as soon as the session exists.
func (m *SessionManager) CloseSession(executionID string) {
	m.mu.Lock()
	sess := m.sessions[executionID]
	if _, reserved := m.pending[executionID]; reserved {
		m.pending[executionID] = true
	}
	m.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) release(executionID string) {
	m.mu.Lock()
	delete(m.sessions, executionID)
	m.mu.Unlock()
}
