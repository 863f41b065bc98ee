// Package logflags turns logging of the engine's components on and off.
package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var materializer = false
var memMap = false

// logOut overrides the destination of all loggers when set.
var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{ForceColors: stderrIsTerminal()}
	logger.Out = out()
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

func stderrIsTerminal() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}

func out() io.Writer {
	if logOut != nil {
		return logOut
	}
	if stderrIsTerminal() {
		return colorable.NewColorableStderr()
	}
	return os.Stderr
}

// SetOutput redirects all loggers to w. Pass nil to restore the default
// (stderr, colorized when it is a terminal).
func SetOutput(w io.Writer) {
	logOut = w
}

// Materializer returns true if the materialization engine should log its
// passes.
func Materializer() bool {
	return materializer
}

// MaterializerLogger returns a configured logger for the materialization
// engine.
func MaterializerLogger() *logrus.Entry {
	return makeLogger(materializer, logrus.Fields{"layer": "materialize"})
}

// MemMap returns true if the memory map should log allocations and IO.
func MemMap() bool {
	return memMap
}

// MemMapLogger returns a configured logger for the memory map.
func MemMapLogger() *logrus.Entry {
	return makeLogger(memMap, logrus.Fields{"layer": "memmap"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "materializer"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "materializer":
			materializer = true
		case "memmap":
			memMap = true
		}
	}
	return nil
}
