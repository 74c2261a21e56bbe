// Package excwrap converts task errors into a shape that survives
// serialization, so a failure recorded by one process can be read by another
// even when the original error type is not available there.
package excwrap

import (
	"encoding/json"
	"errors"
	"reflect"
)

// Info is the serializable description of a task failure. It is what result
// backends store for FAILURE and RETRY records.
type Info struct {
	Module    string `json:"module"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Args      []any  `json:"args,omitempty"`
	Traceback string `json:"traceback,omitempty"`
	// Wrapped is set when no error in the chain survived a serialization
	// round trip and only the identifying metadata could be kept.
	Wrapped bool `json:"wrapped,omitempty"`
}

func (i *Info) Error() string {
	if i.Module != "" {
		return i.Module + "." + i.Type + ": " + i.Message
	}
	return i.Type + ": " + i.Message
}

// Arguer is implemented by errors that expose their constructor arguments.
// Prepare records them so a remote reader can rebuild the failure context.
type Arguer interface {
	ExcArgs() []any
}

// FatalError marks a shutdown request raised inside a task body. The pool
// never routes it to failure callbacks; it is surfaced to the daemon instead.
type FatalError struct {
	Kind string // "system-exit" or "interrupt"
	Code int
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Kind
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Prepare finds the most specific error in the unwrap chain that survives a
// serialize/deserialize round trip and describes it. When none does, the
// returned Info still identifies the original type by package path and name
// so the failure is at least recognizable remotely.
func Prepare(err error) *Info {
	info := describe(err)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if roundTrips(e) {
			info = describe(e)
			return info
		}
	}
	info.Wrapped = true
	return info
}

func describe(err error) *Info {
	module, name := typeInfo(err)
	info := &Info{
		Module:  module,
		Type:    name,
		Message: err.Error(),
	}
	if a, ok := err.(Arguer); ok {
		info.Args = a.ExcArgs()
	}
	return info
}

func typeInfo(err error) (module, name string) {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name = t.Name()
	if name == "" {
		name = t.String()
	}
	return t.PkgPath(), name
}

// roundTrips reports whether err encodes to JSON and back into an equal
// error. Marshaling or restoring anything here must not take the caller
// down, hence the recover.
func roundTrips(err error) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	data, merr := json.Marshal(err)
	if merr != nil {
		return false
	}

	t := reflect.TypeOf(err)
	var clone reflect.Value
	if t.Kind() == reflect.Ptr {
		clone = reflect.New(t.Elem())
	} else {
		clone = reflect.New(t)
	}
	if uerr := json.Unmarshal(data, clone.Interface()); uerr != nil {
		return false
	}

	restored, isErr := clone.Interface().(error)
	if !isErr {
		restored, isErr = clone.Elem().Interface().(error)
		if !isErr {
			return false
		}
	}
	return restored.Error() == err.Error()
}
