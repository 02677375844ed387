package types

// Logger is the logging interface the rest of this module depends on,
// matching the shape of pkg/mcast/types' logger usage so that
// pkg/dlmd/definition.DefaultLogger and test fakes are interchangeable.
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	// ToggleDebug turns debug-level logging on or off and returns the
	// new state.
	ToggleDebug(on bool) bool
}
