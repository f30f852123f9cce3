// Package logging provides the level-tagged, per-level-destination logging
// façade used throughout templatefs.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"strings"
	"sync"
)

// Priority mirrors the classic syslog priority levels, plus a Functions
// channel used for entry/exit tracing during debugging.
type Priority int

const (
	Emergency Priority = iota
	Alert
	Critical
	Error
	Warning
	Notice
	Info
	Debug
	Functions
	maxPriority
)

func (p Priority) String() string {
	switch p {
	case Emergency:
		return "EMERG"
	case Alert:
		return "ALERT"
	case Critical:
		return "CRIT"
	case Error:
		return "ERROR"
	case Warning:
		return "WARN"
	case Notice:
		return "NOTICE"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Functions:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority parses a case-insensitive level name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "EMERG", "EMERGENCY":
		return Emergency, nil
	case "ALERT":
		return Alert, nil
	case "CRIT", "CRITICAL":
		return Critical, nil
	case "ERR", "ERROR":
		return Error, nil
	case "WARN", "WARNING":
		return Warning, nil
	case "NOTICE":
		return Notice, nil
	case "INFO":
		return Info, nil
	case "DEBUG":
		return Debug, nil
	case "TRACE", "FUNCTIONS":
		return Functions, nil
	default:
		return Info, fmt.Errorf("logging: invalid priority %q", s)
	}
}

// Destination is where a given priority's records are sent.
type Destination int

const (
	ToVoid Destination = iota
	ToSyslog
	ToFile
	ToStderr
)

// Mode controls whether a record carries its call site.
type Mode int

const (
	ModeNothing Mode = iota
	ModeNormal
	ModeWithLocation
)

// perLevel holds the resolved writer and mode for one priority.
type perLevel struct {
	writer io.Writer
	mode   Mode
	toSys  bool
}

// Logger routes each priority to its own destination, matching the
// per-level configurability required of the overlay's logging surface.
type Logger struct {
	mu      sync.Mutex
	name    string
	levels  [maxPriority]perLevel
	sysLog  *syslog.Writer
	logFile *os.File
	trace   bool
}

// New creates a Logger with every level going to ToVoid until configured
// with SetDestination.
func New(name string) *Logger {
	l := &Logger{name: name}
	for i := range l.levels {
		l.levels[i] = perLevel{writer: io.Discard, mode: ModeNothing}
	}
	return l
}

// SetDestination configures where records at priority p are written and
// whether they carry a call site.
func (l *Logger) SetDestination(p Priority, dest Destination, mode Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p < 0 || p >= maxPriority {
		return fmt.Errorf("logging: invalid priority %d", p)
	}

	switch dest {
	case ToVoid:
		l.levels[p] = perLevel{writer: io.Discard, mode: ModeNothing}
	case ToStderr:
		l.levels[p] = perLevel{writer: os.Stderr, mode: mode}
	case ToFile:
		if l.logFile == nil {
			return fmt.Errorf("logging: ToFile requested but no log file opened")
		}
		l.levels[p] = perLevel{writer: l.logFile, mode: mode}
	case ToSyslog:
		if l.sysLog == nil {
			w, err := syslog.New(syslogPriority(p), l.name)
			if err != nil {
				return fmt.Errorf("logging: opening syslog: %w", err)
			}
			l.sysLog = w
		}
		l.levels[p] = perLevel{writer: l.sysLog, mode: mode, toSys: true}
	default:
		return fmt.Errorf("logging: unknown destination %d", dest)
	}
	return nil
}

// OpenFile opens (creating/appending) the file used by ToFile destinations.
func (l *Logger) OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: opening log file: %w", err)
	}
	l.mu.Lock()
	l.logFile = f
	l.mu.Unlock()
	return nil
}

// Close releases the syslog handle and log file, if any were opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.sysLog != nil {
		err = l.sysLog.Close()
	}
	if l.logFile != nil {
		if cerr := l.logFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// SetFunctionTrace enables or disables the Functions trace channel.
func (l *Logger) SetFunctionTrace(on bool) {
	l.mu.Lock()
	l.trace = on
	l.mu.Unlock()
}

func syslogPriority(p Priority) syslog.Priority {
	switch p {
	case Emergency:
		return syslog.LOG_EMERG
	case Alert:
		return syslog.LOG_ALERT
	case Critical:
		return syslog.LOG_CRIT
	case Error:
		return syslog.LOG_ERR
	case Warning:
		return syslog.LOG_WARNING
	case Notice:
		return syslog.LOG_NOTICE
	case Info:
		return syslog.LOG_INFO
	default:
		return syslog.LOG_DEBUG
	}
}

// Log emits one record at priority p. file/line are the call site, used
// only when that level's Mode is ModeWithLocation.
func (l *Logger) Log(p Priority, file string, line int, format string, args ...interface{}) {
	if p == Functions {
		l.mu.Lock()
		enabled := l.trace
		l.mu.Unlock()
		if !enabled {
			return
		}
	}

	l.mu.Lock()
	lvl := l.levels[p]
	l.mu.Unlock()

	if lvl.mode == ModeNothing {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if lvl.toSys {
		// syslog already tags severity; no level prefix.
		fmt.Fprintln(lvl.writer, msg)
		return
	}

	if lvl.mode == ModeWithLocation {
		fmt.Fprintf(lvl.writer, "[%s] %s @%s:%d\n", p, msg, file, line)
	} else {
		fmt.Fprintf(lvl.writer, "[%s] %s\n", p, msg)
	}
}

// LogTextBlock writes a multi-line block as a series of records at
// priority p, each line prefixed with its 1-based line number. Used to
// surface a child process's captured stderr.
func (l *Logger) LogTextBlock(p Priority, label string, block string) {
	lines := strings.Split(strings.TrimRight(block, "\n"), "\n")
	for i, line := range lines {
		l.Log(p, "", 0, "%s[%d]: %s", label, i+1, line)
	}
}

// StdLogAdapter returns a *log.Logger that forwards to Log at priority p,
// for handing to libraries (e.g. a FUSE server) that want a stdlib logger.
func (l *Logger) StdLogAdapter(p Priority) *log.Logger {
	return log.New(writerFunc(func(b []byte) (int, error) {
		l.Log(p, "", 0, "%s", strings.TrimRight(string(b), "\n"))
		return len(b), nil
	}), "", 0)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
