package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"flexmc.dev/internal/mc"
)

var (
	// ErrStartupTimeout: the process never reported readiness in time.
	ErrStartupTimeout = errors.New("server: startup timeout")
	// ErrPortConflict: the process could not bind its port. Not retried on
	// another port here; the caller decides.
	ErrPortConflict = errors.New("server: port conflict")
	// ErrProcessExited: the process died while Starting or Running.
	ErrProcessExited = errors.New("server: process exited unexpectedly")
	// ErrProcessStopped: an operation was cancelled because its process was
	// stopped underneath it.
	ErrProcessStopped = errors.New("server: process stopped")
)

// Options tune the manager's bounded waits.
type Options struct {
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	JavaPath     string
	JarName      string
	HeapMB       int
}

func (o *Options) fill() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 3 * time.Minute
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 30 * time.Second
	}
	if o.JarName == "" {
		o.JarName = "server.jar"
	}
}

// Manager keeps at most one live process per working directory. Concurrent
// EnsureStarted calls for the same directory collapse onto one spawn; only
// registry bookkeeping holds the global lock, so unrelated directories
// start in parallel.
type Manager struct {
	launcher Launcher
	logger   *log.Logger
	opts     Options

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewManager(launcher Launcher, logger *log.Logger, opts Options) *Manager {
	opts.fill()
	return &Manager{
		launcher: launcher,
		logger:   logger,
		opts:     opts,
		handles:  map[string]*Handle{},
	}
}

// EnsureStarted returns a Running handle for the working directory,
// spawning the process if needed. If another caller is already starting it,
// this call waits for that attempt instead of spawning a second process
// against the same world data.
func (m *Manager) EnsureStarted(ctx context.Context, workDir string, layout mc.Layout, version mc.Version) (*Handle, error) {
	var h *Handle
	for {
		m.mu.Lock()
		if existing, ok := m.handles[workDir]; ok {
			switch existing.State() {
			case Running:
				m.mu.Unlock()
				return existing, nil
			case Starting:
				m.mu.Unlock()
				if err := existing.awaitReady(); err != nil {
					return nil, err
				}
				return existing, nil
			case Stopping:
				// Let the old process release the world data first.
				m.mu.Unlock()
				existing.awaitTerminal()
				continue
			}
			// Stopped or Failed: a fresh attempt replaces it below.
		}
		h = newHandle(workDir, layout, version)
		m.handles[workDir] = h
		m.mu.Unlock()
		break
	}

	if err := m.start(ctx, h); err != nil {
		h.finishStart(err)
		return nil, err
	}
	if !h.finishStart(nil) {
		// Stopped underneath us while starting. Don't hand out a dead
		// handle, and don't leave the fresh process orphaned.
		h.mu.Lock()
		proc := h.proc
		h.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
		return nil, fmt.Errorf("%w: dir=%s stopped during startup", ErrProcessStopped, workDir)
	}
	m.logger.Printf("server ready dir=%s version=%s port=%d", workDir, version.Name, h.Port)
	return h, nil
}

func (m *Manager) start(ctx context.Context, h *Handle) error {
	port, err := FreePort()
	if err != nil {
		return err
	}
	rconPort, err := FreePort()
	if err != nil {
		return err
	}
	h.Port = port
	h.RCONPort = rconPort
	h.RCONPassword = randomPassword()

	if err := WriteStartupConfig(h.WorkDir, StartupConfig{
		Port:         port,
		RCONPort:     rconPort,
		RCONPassword: h.RCONPassword,
	}); err != nil {
		return err
	}

	m.logger.Printf("starting server dir=%s version=%s port=%d", h.WorkDir, h.Version.Name, port)
	proc, err := m.launcher.Launch(ctx, Spec{
		WorkDir:  h.WorkDir,
		JavaPath: m.opts.JavaPath,
		JarName:  m.opts.JarName,
		HeapMB:   m.opts.HeapMB,
		Port:     port,
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.proc = proc
	h.mu.Unlock()

	if err := m.awaitReadiness(ctx, h, proc); err != nil {
		_ = proc.Kill()
		return err
	}
	go m.watch(h, proc)
	return nil
}

// awaitReadiness scans console output for the process's own readiness
// signal, bounded by ReadyTimeout.
func (m *Manager) awaitReadiness(ctx context.Context, h *Handle, proc Proc) error {
	timer := time.NewTimer(m.opts.ReadyTimeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-proc.Lines():
			if !ok {
				return fmt.Errorf("%w: %s", ErrProcessExited, lastOutput(h))
			}
			h.recordLine(line)
			switch classifyLine(line) {
			case lineReady:
				return nil
			case lineBindFailure:
				return fmt.Errorf("%w: port %d: %s", ErrPortConflict, h.Port, line)
			}
		case <-proc.Done():
			return fmt.Errorf("%w: %s", ErrProcessExited, lastOutput(h))
		case <-timer.C:
			return fmt.Errorf("%w after %s (dir=%s)", ErrStartupTimeout, m.opts.ReadyTimeout, h.WorkDir)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watch drains console output while Running and flips the handle to Failed
// if the process dies without a Stop request.
func (m *Manager) watch(h *Handle, proc Proc) {
	for line := range proc.Lines() {
		h.recordLine(line)
	}
	<-proc.Done()
	if h.transition(Running, Failed) || h.transition(Starting, Failed) {
		m.logger.Printf("server died dir=%s: %v", h.WorkDir, proc.Err())
	}
}

// Stop requests graceful shutdown and kills the process if the grace period
// runs out. Always ends in Stopped so the directory is reusable; stopping a
// stopped handle is a no-op.
func (m *Manager) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	switch h.state {
	case Stopped, Stopping:
		h.mu.Unlock()
		return nil
	case Failed:
		h.state = Stopped
		h.mu.Unlock()
		return nil
	}
	proc := h.proc
	h.mu.Unlock()

	h.setState(Stopping)
	if proc == nil {
		h.setState(Stopped)
		return nil
	}
	if err := proc.SendCommand("stop"); err != nil {
		m.logger.Printf("stop command dir=%s: %v (killing)", h.WorkDir, err)
	}
	select {
	case <-proc.Done():
	case <-time.After(m.opts.StopGrace):
		m.logger.Printf("stop grace expired dir=%s, killing", h.WorkDir)
		_ = proc.Kill()
		<-proc.Done()
	}
	h.setState(Stopped)
	m.logger.Printf("server stopped dir=%s", h.WorkDir)
	return nil
}

// StopAll stops every live handle; used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		_ = m.Stop(h)
	}
}

// Live returns the number of handles currently Starting or Running.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if s := h.State(); s == Starting || s == Running {
			n++
		}
	}
	return n
}

type lineClass int

const (
	lineOther lineClass = iota
	lineReady
	lineBindFailure
)

// classifyLine recognizes the console markers we care about. The readiness
// line has been stable across server versions ("Done (12.345s)! For help,
// type \"help\"").
func classifyLine(line string) lineClass {
	if strings.Contains(line, "FAILED TO BIND TO PORT") || strings.Contains(line, "Address already in use") {
		return lineBindFailure
	}
	if strings.Contains(line, `For help, type "help"`) {
		return lineReady
	}
	return lineOther
}

func lastOutput(h *Handle) string {
	out := h.LastOutput()
	if len(out) == 0 {
		return "no console output captured"
	}
	const keep = 5
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return strings.Join(out, " | ")
}

func randomPassword() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
