package ifap

import "context"

// Session is a scoped handle over an Engine (spec §5/§9): entering
// enables buffering and performs an initial synchronize; exiting
// flushes and resynchronizes, then restores the prior buffering
// policy — on every exit path, including errors. Nested sessions are
// permitted: Sub pushes a new frame onto a small buffering-policy
// stack rather than acquiring any lock, so a session body is always
// free to call ordinary Engine/Handle operations (Open, Write, Close,
// Remove) without risking self-deadlock; those operations already
// serialize themselves at the point of use (Writer's own mutex,
// Engine.syncMu for Synchronize).
type Session struct {
	engine         *Engine
	ctx            context.Context
	bufferingStack []bool
	released       bool
}

// EnterSession enables buffering and performs an initial synchronize,
// returning a Session. The caller MUST call Close (typically via
// defer) to flush and restore the prior buffering policy, even on
// error paths.
func EnterSession(ctx context.Context, engine *Engine) (*Session, error) {
	prevBuffering := engine.writer.buffering
	s := &Session{engine: engine, ctx: ctx, bufferingStack: []bool{prevBuffering}}
	engine.writer.SetBuffering(true)

	if _, err := engine.Synchronize(ctx, false, false); err != nil {
		engine.writer.SetBuffering(prevBuffering)
		return nil, err
	}
	return s, nil
}

// Sub opens a nested session frame: it records the current buffering
// policy on the stack and leaves buffering enabled. Returns a function
// that pops the frame back off without changing the buffering policy;
// the caller should defer it. Close restores the policy recorded by
// EnterSession.
func (s *Session) Sub() func() {
	s.bufferingStack = append(s.bufferingStack, s.engine.writer.buffering)
	return func() {
		if len(s.bufferingStack) > 1 {
			s.bufferingStack = s.bufferingStack[:len(s.bufferingStack)-1]
		}
	}
}

// Flush forces staged writes within this session.
func (s *Session) Flush() error {
	return s.engine.writer.Flush(s.ctx)
}

// Open forwards to the engine for use within the session.
func (s *Session) Open(path, mode string, version int) (*Handle, error) {
	return s.engine.Open(s.ctx, path, mode, version)
}

// Close flushes staged writes, resynchronizes, and restores the prior
// buffering policy. Safe to call more than once; only the first call
// has effect.
func (s *Session) Close() error {
	if s.released {
		return nil
	}
	s.released = true

	flushErr := s.engine.writer.Flush(s.ctx)
	_, syncErr := s.engine.Synchronize(s.ctx, false, false)

	restore := s.bufferingStack[0]
	s.engine.writer.SetBuffering(restore)

	if flushErr != nil {
		return flushErr
	}
	return syncErr
}
