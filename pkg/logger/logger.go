package logger

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/armon/circbuf"
	jww "github.com/spf13/jwalterweatherman"
)

const recentBufferSize = 64 * 1024

var recent = newRingWriter(recentBufferSize)

func init() {
	jww.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	jww.SetLogOutput(recent)
	Setup(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))
}

// Setup sets the stdout threshold. An empty level means debug in
// development and info everywhere else.
func Setup(environment, level string) {
	threshold := jww.LevelInfo
	if environment == "development" {
		threshold = jww.LevelDebug
	}
	if level != "" {
		threshold = ParseLevel(level)
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
}

func ParseLevel(level string) jww.Threshold {
	switch strings.ToLower(level) {
	case "trace":
		return jww.LevelTrace
	case "debug":
		return jww.LevelDebug
	case "warn", "warning":
		return jww.LevelWarn
	case "error":
		return jww.LevelError
	case "critical":
		return jww.LevelCritical
	default:
		return jww.LevelInfo
	}
}

func Info(format string, v ...interface{}) {
	jww.INFO.Printf(format, v...)
}

func Error(format string, v ...interface{}) {
	jww.ERROR.Printf(format, v...)
}

func Debug(format string, v ...interface{}) {
	jww.DEBUG.Printf(format, v...)
}

func Warn(format string, v ...interface{}) {
	jww.WARN.Printf(format, v...)
}

// Recent returns the tail of the log output kept in memory.
func Recent() []byte {
	return recent.Bytes()
}

// SetOutput redirects stdout logging, mostly for the CLI and tests.
func SetOutput(w io.Writer) {
	jww.SetStdoutOutput(w)
}

type ringWriter struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func newRingWriter(size int64) *ringWriter {
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		panic(err)
	}
	return &ringWriter{buf: buf}
}

func (w *ringWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *ringWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, len(w.buf.Bytes()))
	copy(out, w.buf.Bytes())
	return out
}
