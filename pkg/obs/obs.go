package obs

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var bootID atomic.Value // string

// Init builds the process logger. Every entry carries the boot id so lines
// from overlapping restarts can be told apart.
func Init(service, level, format string) *logrus.Logger {
	id := service + "#" + time.Now().Format("20060102_150405.000000")
	bootID.Store(id)

	l := logrus.New()
	l.SetOutput(os.Stderr)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000000"})
	}
	if lv, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lv)
	}
	l.AddHook(bootHook{})

	cwd, _ := os.Getwd()
	l.WithFields(logrus.Fields{"pid": os.Getpid(), "root": cwd}).Info("boot")
	return l
}

// BootID returns the id set by Init, or "" before Init.
func BootID() string {
	id, _ := bootID.Load().(string)
	return id
}

// Component tags a logger for one subsystem.
func Component(l logrus.FieldLogger, name string) logrus.FieldLogger {
	if l == nil {
		l = Discard()
	}
	return l.WithField("component", name)
}

// Discard is the logger used when a caller passes none (tests mostly).
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type bootHook struct{}

func (bootHook) Levels() []logrus.Level { return logrus.AllLevels }

func (bootHook) Fire(e *logrus.Entry) error {
	if id := BootID(); id != "" {
		e.Data["boot"] = id
	}
	return nil
}
