package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/region"
	"flexmc.dev/internal/server"
)

var (
	// ErrGenerationTimeout reports that the server never produced the
	// requested chunk within the configured window.
	ErrGenerationTimeout = errors.New("bot: chunk generation timed out")

	// ErrProcessStopped reports that the backing server left the
	// running state while a generation request was in flight.
	ErrProcessStopped = errors.New("bot: server stopped during generation")
)

type Options struct {
	// GenerationTimeout bounds one ForceGenerate call end to end.
	GenerationTimeout time.Duration
	// PollInterval is the initial delay between region re-reads. Each
	// miss doubles it up to pollCap.
	PollInterval time.Duration
	// NewClient overrides the console client constructor. Nil means
	// the remote-console protocol.
	NewClient func() Client
}

const (
	pollCap = 2 * time.Second

	// spawnY is the height used for spawn relocation; the chunk column
	// generates as a whole regardless of altitude.
	spawnY = 64
)

func (o *Options) fill() {
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
}

// Controller drives a running server's console to materialize chunks
// on demand. One session is kept per server handle, opened lazily on
// the first request and serialized so commands never interleave.
type Controller struct {
	logger *log.Logger
	opts   Options

	newClient func() Client

	mu       sync.Mutex
	sessions map[*server.Handle]*session
}

type session struct {
	mu     sync.Mutex
	client Client
	open   bool
}

func NewController(logger *log.Logger, opts Options) *Controller {
	opts.fill()
	newClient := opts.NewClient
	if newClient == nil {
		newClient = func() Client { return &RCONClient{} }
	}
	return &Controller{
		logger:    logger,
		opts:      opts,
		newClient: newClient,
		sessions:  make(map[*server.Handle]*session),
	}
}

func (c *Controller) session(h *server.Handle) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[h]
	if !ok {
		s = &session{client: c.newClient()}
		c.sessions[h] = s
		// The session dies with its handle; Release is idempotent with
		// the explicit teardown at shutdown.
		go func() {
			<-h.NotRunning()
			c.Release(h)
		}()
	}
	return s
}

// ForceGenerate makes the server produce the chunk at pos and waits
// until it is observable in store. Concurrent calls against the same
// handle queue up in arrival order.
func (c *Controller) ForceGenerate(ctx context.Context, h *server.Handle, store *region.Store, pos mc.ChunkPos) error {
	s := c.session(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.GenerationTimeout)
	defer cancel()

	if err := c.ensureConnected(ctx, s, h); err != nil {
		return err
	}

	bx, bz := pos.BlockOrigin()
	// Relocating the world spawn is the position change that makes the
	// server load, and so generate, the chunk: spawn chunks stay loaded
	// on every version. forceload additionally pins the chunk where the
	// command exists (1.13+); earlier servers don't have it.
	if err := c.command(ctx, s, h, fmt.Sprintf("setworldspawn %d %d %d", bx, spawnY, bz)); err != nil {
		return err
	}
	if h.Version.Era == mc.Modern {
		load := fmt.Sprintf("forceload add %d %d", bx, bz)
		if err := c.command(ctx, s, h, load); err != nil {
			return err
		}
		defer func() {
			// Best effort; the chunk is already on disk by now.
			unload := fmt.Sprintf("forceload remove %d %d", bx, bz)
			if err := c.command(context.Background(), s, h, unload); err != nil {
				c.logger.Printf("forceload remove (%d,%d): %v", pos.X, pos.Z, err)
			}
		}()
	}

	delay := c.opts.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		if err := c.command(ctx, s, h, "save-all flush"); err != nil {
			return err
		}
		ok, err := store.Has(pos)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: chunk (%d,%d) after %s", ErrGenerationTimeout, pos.X, pos.Z, c.opts.GenerationTimeout)
			}
			return ctx.Err()
		case <-h.NotRunning():
			return fmt.Errorf("%w: chunk (%d,%d)", ErrProcessStopped, pos.X, pos.Z)
		case <-timer.C:
		}
		if delay < pollCap {
			delay *= 2
			if delay > pollCap {
				delay = pollCap
			}
		}
		timer.Reset(delay)
	}
}

func (c *Controller) ensureConnected(ctx context.Context, s *session, h *server.Handle) error {
	if s.open {
		return nil
	}
	if h.State() != server.Running {
		return fmt.Errorf("%w: server not running", ErrProcessStopped)
	}
	if err := s.client.Connect(ctx, h.RCONAddr(), h.RCONPassword); err != nil {
		return err
	}
	s.open = true
	return nil
}

// command runs one console command, reconnecting once if the session
// has gone stale since the last call.
func (c *Controller) command(ctx context.Context, s *session, h *server.Handle, cmd string) error {
	if err := c.ensureConnected(ctx, s, h); err != nil {
		return err
	}
	_, err := s.client.Command(ctx, cmd)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	c.logger.Printf("console session stale, reconnecting: %v", err)
	s.client.Close()
	s.open = false
	if err := c.ensureConnected(ctx, s, h); err != nil {
		return err
	}
	if _, err := s.client.Command(ctx, cmd); err != nil {
		return fmt.Errorf("console %q after reconnect: %w", cmd, err)
	}
	return nil
}

// Release drops the session for h, closing its connection if open.
// Call it after the handle has been stopped.
func (c *Controller) Release(h *server.Handle) {
	c.mu.Lock()
	s, ok := c.sessions[h]
	delete(c.sessions, h)
	c.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.client.Close()
		s.open = false
	}
}

func (c *Controller) CloseAll() {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for h, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, h)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		if s.open {
			s.client.Close()
			s.open = false
		}
		s.mu.Unlock()
	}
}
