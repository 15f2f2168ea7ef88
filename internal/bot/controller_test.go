package bot

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"flexmc.dev/internal/mc"
	"flexmc.dev/internal/nbt"
	"flexmc.dev/internal/region"
	"flexmc.dev/internal/server"
)

type fakeClient struct {
	mu        sync.Mutex
	connects  int
	closed    int
	commands  []string
	failNext  int // fail this many Command calls, then recover
	onCommand func(cmd string)
}

func (f *fakeClient) Connect(ctx context.Context, addr, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeClient) Command(ctx context.Context, cmd string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	fail := f.failNext > 0
	if fail {
		f.failNext--
	}
	cb := f.onCommand
	f.mu.Unlock()
	if fail {
		return "", errors.New("broken pipe")
	}
	if cb != nil {
		cb(cmd)
	}
	return "ok", nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeClient) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// fake server process machinery, driven through the real manager so the
// controller sees genuine handle state transitions.

type stubProc struct {
	lines chan string
	done  chan struct{}
	once  sync.Once
}

func (p *stubProc) SendCommand(string) error { p.exit(); return nil }
func (p *stubProc) Lines() <-chan string     { return p.lines }
func (p *stubProc) Done() <-chan struct{}    { return p.done }
func (p *stubProc) Err() error               { return nil }
func (p *stubProc) Kill() error              { p.exit(); return nil }
func (p *stubProc) exit() {
	p.once.Do(func() {
		close(p.lines)
		close(p.done)
	})
}

type stubLauncher struct{}

func (stubLauncher) Launch(ctx context.Context, spec server.Spec) (server.Proc, error) {
	p := &stubProc{lines: make(chan string, 4), done: make(chan struct{})}
	p.lines <- `[12:00:00] [Server thread/INFO]: Done (1.0s)! For help, type "help"`
	return p, nil
}

func runningHandle(t *testing.T) (*server.Manager, *server.Handle) {
	t.Helper()
	return runningHandleAt(t, mc.Version{Name: "1.20.1", Era: mc.Modern})
}

func runningHandleAt(t *testing.T, v mc.Version) (*server.Manager, *server.Handle) {
	t.Helper()
	m := server.NewManager(stubLauncher{}, log.New(io.Discard, "", 0), server.Options{ReadyTimeout: 2 * time.Second, StopGrace: time.Second})
	h, err := m.EnsureStarted(context.Background(), t.TempDir(), mc.Vanilla, v)
	if err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	return m, h
}

func testController(opts Options) (*Controller, *fakeClient) {
	fc := &fakeClient{}
	c := NewController(log.New(io.Discard, "", 0), opts)
	c.newClient = func() Client { return fc }
	return c, fc
}

func chunkDoc(pos mc.ChunkPos) *nbt.Document {
	return nbt.NewDocument("", nbt.IntField("xPos", int32(pos.X)), nbt.IntField("zPos", int32(pos.Z)))
}

func TestForceGenerateWaitsForChunkOnDisk(t *testing.T) {
	m, h := runningHandle(t)
	defer m.StopAll()

	dir := t.TempDir()
	store := region.NewStore(dir)
	pos := mc.ChunkPos{X: 7, Z: -3}

	c, fc := testController(Options{GenerationTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	var saves int
	fc.onCommand = func(cmd string) {
		if cmd != "save-all flush" {
			return
		}
		saves++
		if saves == 3 {
			// The server flushes the chunk on the third save.
			writer := region.NewStore(dir)
			if err := writer.WriteDocument(pos, chunkDoc(pos)); err != nil {
				t.Errorf("write chunk: %v", err)
			}
		}
	}

	if err := c.ForceGenerate(context.Background(), h, store, pos); err != nil {
		t.Fatalf("ForceGenerate: %v", err)
	}

	sent := fc.sent()
	if len(sent) < 2 || sent[0] != "setworldspawn 112 64 -48" {
		t.Fatalf("first command %v, want spawn relocation at block origin", sent)
	}
	if sent[1] != "forceload add 112 -48" {
		t.Fatalf("second command %q, want forceload pin", sent[1])
	}
	last := sent[len(sent)-1]
	if !strings.HasPrefix(last, "forceload remove") {
		t.Fatalf("last command %q, want forceload remove", last)
	}
	if fc.connects != 1 {
		t.Fatalf("connects=%d want 1 (lazy single session)", fc.connects)
	}
}

func TestForceGenerateLegacyServerAvoidsForceload(t *testing.T) {
	m, h := runningHandleAt(t, mc.Version{Name: "1.12.2", Era: mc.Legacy})
	defer m.StopAll()

	dir := t.TempDir()
	store := region.NewStore(dir)
	pos := mc.ChunkPos{X: 7, Z: -3}

	c, fc := testController(Options{GenerationTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	fc.onCommand = func(cmd string) {
		if cmd != "save-all flush" {
			return
		}
		writer := region.NewStore(dir)
		if err := writer.WriteDocument(pos, chunkDoc(pos)); err != nil {
			t.Errorf("write chunk: %v", err)
		}
	}

	if err := c.ForceGenerate(context.Background(), h, store, pos); err != nil {
		t.Fatalf("ForceGenerate: %v", err)
	}

	sent := fc.sent()
	if len(sent) == 0 || sent[0] != "setworldspawn 112 64 -48" {
		t.Fatalf("first command %v, want spawn relocation", sent)
	}
	for _, cmd := range sent {
		if strings.HasPrefix(cmd, "forceload") {
			t.Fatalf("issued %q to a pre-flattening server", cmd)
		}
	}
}

func TestForceGenerateTimesOut(t *testing.T) {
	m, h := runningHandle(t)
	defer m.StopAll()

	store := region.NewStore(t.TempDir())
	c, _ := testController(Options{GenerationTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	err := c.ForceGenerate(context.Background(), h, store, mc.ChunkPos{X: 0, Z: 0})
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("err=%v want ErrGenerationTimeout", err)
	}
}

func TestForceGenerateFailsWhenServerStops(t *testing.T) {
	m, h := runningHandle(t)

	store := region.NewStore(t.TempDir())
	c, _ := testController(Options{GenerationTimeout: 5 * time.Second, PollInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- c.ForceGenerate(context.Background(), h, store, mc.ChunkPos{X: 1, Z: 1})
	}()
	time.Sleep(20 * time.Millisecond)
	if err := m.Stop(h); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrProcessStopped) {
			t.Fatalf("err=%v want ErrProcessStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ForceGenerate did not observe the stop")
	}
}

func TestCommandReconnectsOnce(t *testing.T) {
	m, h := runningHandle(t)
	defer m.StopAll()

	c, fc := testController(Options{})
	s := c.session(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	fc.failNext = 1
	if err := c.command(context.Background(), s, h, "list"); err != nil {
		t.Fatalf("command: %v", err)
	}
	if fc.connects != 2 {
		t.Fatalf("connects=%d want 2 (one reconnect)", fc.connects)
	}
	if fc.closed != 1 {
		t.Fatalf("closed=%d want 1", fc.closed)
	}

	fc.failNext = 2
	if err := c.command(context.Background(), s, h, "list"); err == nil {
		t.Fatal("second consecutive failure should surface")
	}
}

func TestForceGenerateSerializesPerHandle(t *testing.T) {
	m, h := runningHandle(t)
	defer m.StopAll()

	dir := t.TempDir()
	store := region.NewStore(dir)

	c, fc := testController(Options{GenerationTimeout: 5 * time.Second, PollInterval: time.Millisecond})
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	fc.onCommand = func(cmd string) {
		if cmd != "save-all flush" {
			return
		}
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	// Pre-write every chunk so each call returns after one poll.
	writer := region.NewStore(dir)
	positions := []mc.ChunkPos{{X: 0, Z: 0}, {X: 1, Z: 0}, {X: 2, Z: 0}, {X: 3, Z: 0}}
	for _, pos := range positions {
		if err := writer.WriteDocument(pos, chunkDoc(pos)); err != nil {
			t.Fatalf("seed chunk %v: %v", pos, err)
		}
	}

	var wg sync.WaitGroup
	for _, pos := range positions {
		wg.Add(1)
		go func(pos mc.ChunkPos) {
			defer wg.Done()
			if err := c.ForceGenerate(context.Background(), h, store, pos); err != nil {
				t.Errorf("ForceGenerate %v: %v", pos, err)
			}
		}(pos)
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("observed %d interleaved sessions, want serialized access", maxInFlight)
	}
	if fc.connects != 1 {
		t.Fatalf("connects=%d want 1", fc.connects)
	}
}

func TestSessionTornDownWhenHandleStops(t *testing.T) {
	m, h := runningHandle(t)

	c, fc := testController(Options{})
	s := c.session(h)
	s.mu.Lock()
	if err := c.ensureConnected(context.Background(), s, h); err != nil {
		s.mu.Unlock()
		t.Fatalf("connect: %v", err)
	}
	s.mu.Unlock()

	if err := m.Stop(h); err != nil {
		t.Fatalf("stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		closed := fc.closed
		fc.mu.Unlock()
		c.mu.Lock()
		_, live := c.sessions[h]
		c.mu.Unlock()
		if closed == 1 && !live {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session survived the stop: closed=%d live=%v", closed, live)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReleaseClosesSession(t *testing.T) {
	m, h := runningHandle(t)
	defer m.StopAll()

	c, fc := testController(Options{})
	s := c.session(h)
	s.mu.Lock()
	if err := c.ensureConnected(context.Background(), s, h); err != nil {
		s.mu.Unlock()
		t.Fatalf("connect: %v", err)
	}
	s.mu.Unlock()

	c.Release(h)
	if fc.closed != 1 {
		t.Fatalf("closed=%d want 1", fc.closed)
	}
}
