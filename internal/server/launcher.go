// Package server owns the lifecycle of external world-generation processes:
// one java server per working directory, started with generated headless
// configuration, watched for readiness on its own console output, and torn
// down gracefully with a kill fallback.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Spec describes one process launch.
type Spec struct {
	WorkDir  string
	JavaPath string
	JarName  string
	HeapMB   int
	Port     int
}

// Proc is a live launched process. Lines carries merged stdout/stderr,
// closed on exit; Done is closed when the process has exited.
type Proc interface {
	SendCommand(cmd string) error
	Lines() <-chan string
	Done() <-chan struct{}
	Err() error
	Kill() error
}

// Launcher is the capability boundary for spawning generation processes,
// so the manager is testable without java installed.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Proc, error)
}

// JavaLauncher runs the real thing: java -jar <server.jar> nogui in the
// working directory.
type JavaLauncher struct{}

func (JavaLauncher) Launch(ctx context.Context, spec Spec) (Proc, error) {
	java := spec.JavaPath
	if java == "" {
		java = "java"
	}
	heap := spec.HeapMB
	if heap <= 0 {
		heap = 2048
	}
	cmd := exec.CommandContext(ctx, java,
		fmt.Sprintf("-Xmx%dM", heap),
		fmt.Sprintf("-Xms%dM", heap/2),
		"-jar", spec.JarName,
		"nogui",
	)
	cmd.Dir = spec.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("server: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("server: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("server: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("server: start %s in %s: %w", java, spec.WorkDir, err)
	}

	p := &javaProc{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}
	var readers sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		readers.Add(1)
		go func(r io.Reader) {
			defer readers.Done()
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				select {
				case p.lines <- sc.Text():
				default: // nobody is draining; drop rather than wedge the process
				}
			}
		}(r)
	}
	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.lines)
		close(p.done)
	}()
	return p, nil
}

type javaProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (p *javaProc) SendCommand(cmd string) error {
	_, err := io.WriteString(p.stdin, cmd+"\n")
	return err
}

func (p *javaProc) Lines() <-chan string  { return p.lines }
func (p *javaProc) Done() <-chan struct{} { return p.done }

func (p *javaProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *javaProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
