package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// DefaultLogger wraps a logrus.Logger as a types.Logger, the same
// wrapping role pkg/mcast/definition.DefaultLogger plays over the
// standard library's log.Logger.
type DefaultLogger struct {
	log *logrus.Logger
}

// NewDefaultLogger builds a DefaultLogger writing to stderr in text
// format, at info level. Debug logging starts disabled.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{log: l}
}

func (d *DefaultLogger) Info(args ...interface{})                 { d.log.Info(args...) }
func (d *DefaultLogger) Infof(format string, args ...interface{})  { d.log.Infof(format, args...) }
func (d *DefaultLogger) Warn(args ...interface{})                  { d.log.Warn(args...) }
func (d *DefaultLogger) Warnf(format string, args ...interface{})  { d.log.Warnf(format, args...) }
func (d *DefaultLogger) Error(args ...interface{})                 { d.log.Error(args...) }
func (d *DefaultLogger) Errorf(format string, args ...interface{}) { d.log.Errorf(format, args...) }
func (d *DefaultLogger) Debug(args ...interface{})                 { d.log.Debug(args...) }
func (d *DefaultLogger) Debugf(format string, args ...interface{}) { d.log.Debugf(format, args...) }
func (d *DefaultLogger) Fatal(args ...interface{})                 { d.log.Fatal(args...) }
func (d *DefaultLogger) Fatalf(format string, args ...interface{}) { d.log.Fatalf(format, args...) }

// ToggleDebug turns debug-level logging on or off and returns the new
// state.
func (d *DefaultLogger) ToggleDebug(on bool) bool {
	if on {
		d.log.SetLevel(logrus.DebugLevel)
	} else {
		d.log.SetLevel(logrus.InfoLevel)
	}
	return on
}

var _ types.Logger = (*DefaultLogger)(nil)
