package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level is a log severity threshold.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	level atomic.Int32

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

func init() {
	level.Store(int32(LevelInfo))
}

// ParseLevel maps a level name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum level that gets written.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool {
	return Level(level.Load()) <= l
}

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffer size: 1000 messages
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func(ch chan string) {
			defer logWg.Done()
			for msg := range ch {
				log.Print(msg)
			}
		}(logChan)
	})
}

// GetInstanceID returns the identifier printed in front of every log line.
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// PROXY_ID first, then POD_NAME, then HOSTNAME, then a short hostname
		instanceID = os.Getenv("PROXY_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					instanceID = hostname[len(hostname)-8:]
				} else {
					instanceID = hostname
				}
			} else {
				instanceID = "local"
			}
		}
	})
	return instanceID
}

func emit(msg string) {
	initLogWorker()
	logMsg := fmt.Sprintf("[proxy=%s] %s", GetInstanceID(), msg)

	logMu.Lock()
	defer logMu.Unlock()
	if logChan == nil {
		log.Print(logMsg)
		return
	}

	// Non-blocking send; fall back to sync logging when the buffer is full
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Logf logs a formatted message at info level (async, non-blocking)
func Logf(format string, v ...interface{}) {
	if !Enabled(LevelInfo) {
		return
	}
	emit(fmt.Sprintf(format, v...))
}

// Log logs a message at info level (async, non-blocking)
func Log(v ...interface{}) {
	if !Enabled(LevelInfo) {
		return
	}
	emit(fmt.Sprint(v...))
}

// Debugf logs a formatted message when the debug level is enabled.
func Debugf(format string, v ...interface{}) {
	if !Enabled(LevelDebug) {
		return
	}
	emit("[debug] " + fmt.Sprintf(format, v...))
}

// Warnf logs a formatted warning.
func Warnf(format string, v ...interface{}) {
	if !Enabled(LevelWarn) {
		return
	}
	emit("[warn] " + fmt.Sprintf(format, v...))
}

// Errorf logs a formatted error.
func Errorf(format string, v ...interface{}) {
	if !Enabled(LevelError) {
		return
	}
	emit("[error] " + fmt.Sprintf(format, v...))
}

// Fatalf logs a fatal error and exits (synchronous, pending messages are flushed first)
func Fatalf(format string, v ...interface{}) {
	Flush()
	msg := fmt.Sprintf(format, v...)
	log.Fatalf("[proxy=%s] %s", GetInstanceID(), msg)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
