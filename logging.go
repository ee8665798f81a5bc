package meshnode

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// newLogger builds the package-wide structured logger every
// subsystem's child logger descends from (one WithField("iface", ...)
// per transport, one WithField("component", ...) per core package).
// On a TTY it colorizes through go-colorable; off one (piped to a
// file or a service manager) it falls back to a plain formatter so
// log files don't fill with ANSI escapes.
func newLogger(level int) *logrus.Entry {
	log := logrus.New()
	log.SetLevel(reticulumLevelToLogrus(level))

	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		log.SetOutput(colorable.NewColorableStdout())
		log.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	} else {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return logrus.NewEntry(log)
}

// reticulumLevelToLogrus maps the Reticulum-style 0..7 log levels
// carried over from the lxmd/runcore config surface onto logrus's
// smaller level set.
func reticulumLevelToLogrus(level int) logrus.Level {
	switch {
	case level <= 1:
		return logrus.ErrorLevel
	case level == 2:
		return logrus.WarnLevel
	case level == 3, level == 4:
		return logrus.InfoLevel
	case level == 5:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
