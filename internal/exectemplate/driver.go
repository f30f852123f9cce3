// Package exectemplate implements the executable-template driver: it
// forks and execs a template file as a child process, drains its stdout
// and stderr pipes concurrently through an epoll-based event loop into
// two ElasticBuffers, reaps the child, and returns the captured stdout.
package exectemplate

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/paul-chambers/templatefs/internal/fserrors"
	"github.com/paul-chambers/templatefs/internal/logging"
)

// Config controls the drain loop's buffer sizing and wait behavior.
type Config struct {
	InitialBufferBytes int
	HeadroomBytes       int
	DrainTimeout        time.Duration
}

// DefaultConfig matches §4.D's stated defaults: 16 KiB initial capacity,
// 2 KiB headroom, 10s non-deadline wait.
func DefaultConfig() Config {
	return Config{
		InitialBufferBytes: 16 * 1024,
		HeadroomBytes:      2 * 1024,
		DrainTimeout:       10 * time.Second,
	}
}

// Result is the outcome of executing a template: its captured stdout,
// the child's exit status (0 on success), and whether it died from a
// signal rather than exiting normally.
type Result struct {
	Stdout     []byte
	ExitStatus int
	Signaled   bool
}

// Execute runs templatePath as a child process with argv[1] set to
// lowerPath, captures its stdout, logs its stderr as a numbered warning
// block, and reaps it. argv[0] is the absolute template path; argv[1] is
// the absolute lower-tree path; argv[2] is nil. The environment is the
// process's own environment, captured at call time (equivalent to "as
// captured at startup" since this process never mutates its own
// environment after init).
func Execute(templatePath, lowerPath string, cfg Config, log *logging.Logger) (*Result, error) {
	var outPipe, errPipe [2]int
	if err := unix.Pipe2(outPipe[:], unix.O_CLOEXEC); err != nil {
		return nil, forkError("out pipe", err)
	}
	if err := unix.Pipe2(errPipe[:], unix.O_CLOEXEC); err != nil {
		closeAll(outPipe[:])
		return nil, forkError("err pipe", err)
	}

	argv := []string{templatePath, lowerPath}
	envv := os.Environ()

	pid, err := forkExecChild(templatePath, argv, envv, outPipe, errPipe)
	if err != nil {
		closeAll(outPipe[:])
		closeAll(errPipe[:])
		return nil, forkError("fork/exec", err)
	}

	unix.Close(outPipe[1])
	unix.Close(errPipe[1])

	stdout, stderr, err := drain(outPipe[0], errPipe[0], cfg)
	unix.Close(outPipe[0])
	unix.Close(errPipe[0])
	if err != nil {
		return nil, err
	}

	var ws unix.WaitStatus
	_, werr := unix.Wait4(pid, &ws, 0, nil)
	if werr != nil {
		return nil, fserrors.New(fserrors.CodeWaitFailed, "waitpid failed").
			WithComponent("exectemplate").WithOperation("Execute").
			WithCause(werr).WithDetail("pid", pid)
	}

	if stderr.Used() > 0 && log != nil {
		log.LogTextBlock(logging.Warning, templatePath, string(stderr.Bytes()))
	}

	return &Result{Stdout: stdout.Bytes(), ExitStatus: ws.ExitStatus(), Signaled: ws.Signaled()}, nil
}

func forkError(stage string, cause error) error {
	return fserrors.New(fserrors.CodeForkFailed, "executable template setup failed at "+stage).
		WithComponent("exectemplate").WithOperation("Execute").WithCause(cause)
}

func closeAll(fds []int) {
	for _, fd := range fds {
		if fd > 0 {
			unix.Close(fd)
		}
	}
}

// forkExecChild forks and execs path with argv/envv, wiring the child's
// stdin to this process's stdin and its stdout/stderr to the write ends
// of outPipe/errPipe, via syscall.ForkExec. A raw fork(2) is deliberately
// not used here: the Go runtime is multi-threaded, and forking directly
// (rather than through the runtime-coordinated ForkExec, which holds the
// necessary locks across the fork) can deadlock or corrupt the child
// before its immediately-following exec.
func forkExecChild(path string, argv, envv []string, outPipe, errPipe [2]int) (int, error) {
	attr := &syscall.ProcAttr{
		Env:   envv,
		Files: []uintptr{uintptr(os.Stdin.Fd()), uintptr(outPipe[1]), uintptr(errPipe[1])},
	}
	pid, err := syscall.ForkExec(path, argv, attr)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// drain registers both read ends with epoll and reads from whichever is
// ready until both report hang-up, per the parent drain loop contract.
func drain(outFd, errFd int, cfg Config) (*ElasticBuffer, *ElasticBuffer, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, nil, fserrors.New(fserrors.CodePipeFailed, "epoll_create1 failed").
			WithComponent("exectemplate").WithOperation("drain").WithCause(err)
	}
	defer unix.Close(epfd)

	events := map[int]*ElasticBuffer{
		outFd: NewElasticBuffer(cfg.InitialBufferBytes, cfg.HeadroomBytes),
		errFd: NewElasticBuffer(cfg.InitialBufferBytes, cfg.HeadroomBytes),
	}
	eof := map[int]bool{outFd: false, errFd: false}

	for fd := range events {
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return nil, nil, fserrors.New(fserrors.CodePipeFailed, "epoll_ctl failed").
				WithComponent("exectemplate").WithOperation("drain").WithCause(err)
		}
	}

	timeoutMs := int(cfg.DrainTimeout / time.Millisecond)
	buf := make([]unix.EpollEvent, 2)

	for !(eof[outFd] && eof[errFd]) {
		n, err := unix.EpollWait(epfd, buf, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, nil, fserrors.New(fserrors.CodePipeFailed, "epoll_wait failed").
				WithComponent("exectemplate").WithOperation("drain").WithCause(err)
		}

		for i := 0; i < n; i++ {
			fd := int(buf[i].Fd)
			if buf[i].Events&unix.EPOLLIN != 0 {
				eb := events[fd]
				slot := eb.WriteSlot()
				read, rerr := unix.Read(fd, slot)
				if read > 0 {
					eb.Advance(read)
				}
				if read == 0 || rerr != nil {
					eof[fd] = true
				}
			}
			if buf[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				eof[fd] = true
			}
		}
		// The 10s wait bounds spin, not total runtime: no enforced
		// maximum render time exists at this layer. A hung child wedges
		// the calling thread indefinitely, by design (see DESIGN.md).
	}

	return events[outFd], events[errFd], nil
}
