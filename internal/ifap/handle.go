package ifap

import (
	"context"
	"fmt"
	"io"
)

// Handle is a file-like handle returned by Engine.Open (spec §6):
// read, write, seek, tell, close, plus a mutable Metadata map and a
// read-only Path. A writable handle's Close stages its buffer with
// the engine; ownership of the buffer transfers to the engine's
// pending map at that point (spec §9's "file handle returning to
// engine on close" pattern) — there is no handle↔engine reference
// cycle to break here, unlike the source this was modeled on, since
// the handle only borrows the engine for the duration of Close.
type Handle struct {
	engine   *Engine
	path     string
	mode     string
	buf      []byte
	pos      int
	metadata Metadata
	closed   bool
}

// Path returns the handle's logical path.
func (h *Handle) Path() string {
	return h.path
}

// Metadata returns the handle's mutable metadata map. Callers may
// modify fields (e.g. Versions) before Close to affect the staged
// write.
func (h *Handle) Metadata() *Metadata {
	return &h.metadata
}

func (h *Handle) writable() bool {
	switch h.mode {
	case "w", "w+", "a", "r+":
		return true
	default:
		return false
	}
}

func (h *Handle) readable() bool {
	switch h.mode {
	case "r", "r+", "w+":
		return true
	default:
		return false
	}
}

// Read implements io.Reader.
func (h *Handle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, fmt.Errorf("ifap: read on closed handle")
	}
	if !h.readable() {
		return 0, fmt.Errorf("ifap: handle opened %q is not readable", h.mode)
	}
	if h.pos >= len(h.buf) {
		return 0, io.EOF
	}
	n := copy(p, h.buf[h.pos:])
	h.pos += n
	return n, nil
}

// Write implements io.Writer: it overwrites the handle's buffer
// starting at the current position, growing it as needed.
func (h *Handle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, fmt.Errorf("ifap: write on closed handle")
	}
	if !h.writable() {
		return 0, fmt.Errorf("ifap: handle opened %q is not writable", h.mode)
	}
	end := h.pos + len(p)
	if end > cap(h.buf) {
		grown := make([]byte, len(h.buf), end)
		copy(grown, h.buf)
		h.buf = grown
	}
	if end > len(h.buf) {
		h.buf = h.buf[:end]
	}
	copy(h.buf[h.pos:end], p)
	h.pos = end
	return len(p), nil
}

// Seek implements io.Seeker (whence: io.SeekStart/Current/End).
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		base = len(h.buf)
	default:
		return 0, fmt.Errorf("ifap: invalid whence %d", whence)
	}
	newPos := base + int(offset)
	if newPos < 0 {
		return 0, fmt.Errorf("ifap: negative seek position")
	}
	h.pos = newPos
	return int64(h.pos), nil
}

// Tell returns the current read/write position.
func (h *Handle) Tell() int64 {
	return int64(h.pos)
}

// Close stages the handle's buffer with the engine if it was opened
// for writing; read-only handles simply mark themselves closed.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	if !h.writable() {
		return nil
	}
	return h.engine.stageWrite(ctx, h.path, h.metadata, h.buf)
}
