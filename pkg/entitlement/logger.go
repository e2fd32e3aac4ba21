package entitlement

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives the engine's, sweeper's and handlers' structured logs.
// Reconciliation audit lines are written at Info with user_id, source and
// action fields; dead letters at Error.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is set.
type NoopLogger struct{}

func (n *NoopLogger) Debug(string, ...Field) {}
func (n *NoopLogger) Info(string, ...Field)  {}
func (n *NoopLogger) Warn(string, ...Field)  {}
func (n *NoopLogger) Error(string, ...Field) {}
