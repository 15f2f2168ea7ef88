package server

import (
	"fmt"
	"sync"

	"flexmc.dev/internal/mc"
)

// State is the lifecycle position of one working directory's process.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handle represents one (attempted) process for a working directory. At
// most one handle per working directory is ever live; the manager enforces
// that.
type Handle struct {
	WorkDir      string
	Layout       mc.Layout
	Version      mc.Version
	Port         int
	RCONPort     int
	RCONPassword string

	mu       sync.Mutex
	state    State
	proc     Proc
	startErr error
	lastOut  []string // ring of recent console lines for failure reports

	ready      chan struct{} // closed when Starting resolves either way
	notRunning chan struct{} // closed when the handle leaves Running
	nrOnce     sync.Once
	terminal   chan struct{} // closed on reaching Stopped or Failed
	termOnce   sync.Once
}

const lastOutKeep = 40

func newHandle(workDir string, layout mc.Layout, version mc.Version) *Handle {
	return &Handle{
		WorkDir:    workDir,
		Layout:     layout,
		Version:    version,
		state:      Starting,
		ready:      make(chan struct{}),
		notRunning: make(chan struct{}),
		terminal:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Addr is the game endpoint of the running process.
func (h *Handle) Addr() string { return fmt.Sprintf("127.0.0.1:%d", h.Port) }

// RCONAddr is the remote-console endpoint used by the automation client.
func (h *Handle) RCONAddr() string { return fmt.Sprintf("127.0.0.1:%d", h.RCONPort) }

// NotRunning is closed once the handle has left the Running state, whether
// by Stop, failure, or unexpected exit. In-flight automation calls watch it.
func (h *Handle) NotRunning() <-chan struct{} { return h.notRunning }

// LastOutput returns the most recent console lines, for failure reports.
func (h *Handle) LastOutput() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lastOut...)
}

func (h *Handle) recordLine(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastOut = append(h.lastOut, line)
	if len(h.lastOut) > lastOutKeep {
		h.lastOut = h.lastOut[len(h.lastOut)-lastOutKeep:]
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()
	h.noteState(prev, s)
}

// transition moves the handle from prev to next only if it is still in
// prev, reporting whether it did. Keeps a Stop that raced the starter
// from being overwritten.
func (h *Handle) transition(prev, next State) bool {
	h.mu.Lock()
	if h.state != prev {
		h.mu.Unlock()
		return false
	}
	h.state = next
	h.mu.Unlock()
	h.noteState(prev, next)
	return true
}

func (h *Handle) noteState(prev, next State) {
	if (prev == Running || prev == Starting) && (next == Failed || next == Stopping || next == Stopped) {
		h.nrOnce.Do(func() { close(h.notRunning) })
	}
	if next == Stopped || next == Failed {
		h.termOnce.Do(func() { close(h.terminal) })
	}
}

// awaitTerminal blocks until the handle reaches Stopped or Failed.
func (h *Handle) awaitTerminal() { <-h.terminal }

// finishStart resolves the start attempt. It promotes the handle only
// if it is still Starting: a Stop issued mid-startup wins, and the
// refusal is reported to the starter.
func (h *Handle) finishStart(err error) bool {
	h.mu.Lock()
	h.startErr = err
	h.mu.Unlock()
	var ok bool
	if err != nil {
		ok = h.transition(Starting, Failed)
	} else {
		ok = h.transition(Starting, Running)
	}
	close(h.ready)
	return ok
}

// awaitReady blocks until the start attempt resolves, then reports its
// outcome.
func (h *Handle) awaitReady() error {
	<-h.ready
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startErr
}
