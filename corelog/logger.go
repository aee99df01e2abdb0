// Package corelog provides the structured logging helper shared by every
// corecrypto package. It is a thin wrapper over logrus that standardizes
// field names (function, package, operation, error_type) so log lines from
// the keystore, crypto provider, identity, mls, central, proteus and e2ei
// packages read consistently.
package corelog

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Helper accumulates structured fields for one logical operation and emits
// them through logrus at Entry/Exit/Debug/Info/Warn/Error granularity.
type Helper struct {
	pkg      string
	function string
	fields   logrus.Fields
}

// New creates a Helper scoped to pkg (the package name) and function (the
// calling function's name, matching the teacher's convention of naming the
// function in every log line for that function's lifetime).
func New(pkg, function string) *Helper {
	return &Helper{
		pkg:      pkg,
		function: function,
		fields: logrus.Fields{
			"package":  pkg,
			"function": function,
		},
	}
}

// WithCaller records the immediate caller's file:line for diagnostics.
func (h *Helper) WithCaller() *Helper {
	if pc, file, line, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name := fn.Name()
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			h.fields["caller"] = fmt.Sprintf("%s:%d", file, line)
			h.fields["caller_func"] = name
		}
	}
	return h
}

// WithField adds a single field.
func (h *Helper) WithField(key string, value interface{}) *Helper {
	h.fields[key] = value
	return h
}

// WithFields merges additional fields.
func (h *Helper) WithFields(fields logrus.Fields) *Helper {
	for k, v := range fields {
		h.fields[k] = v
	}
	return h
}

// WithError annotates the current error, its classification, and the
// operation that failed.
func (h *Helper) WithError(err error, errorType, operation string) *Helper {
	if err != nil {
		h.fields["error"] = err.Error()
	}
	h.fields["error_type"] = errorType
	h.fields["operation"] = operation
	return h
}

func (h *Helper) Entry(message string) { logrus.WithFields(h.fields).Debug("enter: " + message) }
func (h *Helper) Exit()                { logrus.WithFields(h.fields).Debug("exit: " + h.function) }
func (h *Helper) Debug(message string) { logrus.WithFields(h.fields).Debug(message) }
func (h *Helper) Info(message string)  { logrus.WithFields(h.fields).Info(message) }
func (h *Helper) Warn(message string)  { logrus.WithFields(h.fields).Warn(message) }
func (h *Helper) Error(message string) { logrus.WithFields(h.fields).Error(message) }

// SecretPreview previews at most the first 8 bytes of sensitive data as hex,
// safe to attach to a log line without leaking the full secret.
func SecretPreview(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := 8
		if len(data) < n {
			n = len(data)
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}

// OperationFields builds the standard operation/status field pair.
func OperationFields(operation, status string, extra ...logrus.Fields) logrus.Fields {
	fields := logrus.Fields{"operation": operation, "status": status}
	for _, e := range extra {
		for k, v := range e {
			fields[k] = v
		}
	}
	return fields
}
