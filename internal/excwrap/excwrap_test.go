package excwrap

import (
	"errors"
	"fmt"
	"testing"
)

// queryError survives a JSON round trip: all state is in exported fields.
type queryError struct {
	Query string `json:"query"`
	Msg   string `json:"msg"`
}

func (e *queryError) Error() string { return e.Msg }

func (e *queryError) ExcArgs() []any { return []any{e.Query} }

func TestPrepare_SerializableError(t *testing.T) {
	err := &queryError{Query: "SELECT 1", Msg: "query timed out"}

	info := Prepare(err)
	if info.Type != "queryError" {
		t.Fatalf("expected type queryError, got %s", info.Type)
	}
	if info.Module != "taskrelay/internal/excwrap" {
		t.Fatalf("expected package path module, got %s", info.Module)
	}
	if info.Message != "query timed out" {
		t.Fatalf("expected original message, got %s", info.Message)
	}
	if info.Wrapped {
		t.Fatal("expected a round-trippable error not to be marked wrapped")
	}
	if len(info.Args) != 1 || info.Args[0] != "SELECT 1" {
		t.Fatalf("expected constructor args to be recorded, got %v", info.Args)
	}
}

func TestPrepare_FindsSerializableAncestor(t *testing.T) {
	inner := &queryError{Query: "SELECT 1", Msg: "query timed out"}
	err := fmt.Errorf("running report: %w", inner)

	info := Prepare(err)
	if info.Type != "queryError" {
		t.Fatalf("expected the wrapped queryError to be chosen, got %s", info.Type)
	}
	if info.Message != "query timed out" {
		t.Fatalf("expected the ancestor's message, got %s", info.Message)
	}
	if info.Wrapped {
		t.Fatal("expected wrapped flag to be clear when an ancestor round trips")
	}
}

func TestPrepare_UnserializableErrorIsWrapped(t *testing.T) {
	err := errors.New("disk on fire")

	info := Prepare(err)
	if !info.Wrapped {
		t.Fatal("expected a bare errors.New value to be marked wrapped")
	}
	if info.Message != "disk on fire" {
		t.Fatalf("expected original message to be kept, got %s", info.Message)
	}
	if info.Type != "errorString" {
		t.Fatalf("expected the concrete type name, got %s", info.Type)
	}
	if info.Module != "errors" {
		t.Fatalf("expected the defining package, got %s", info.Module)
	}
}

func TestInfo_ErrorString(t *testing.T) {
	info := &Info{Module: "taskrelay/pkg/tasks", Type: "queryError", Message: "boom"}
	if got := info.Error(); got != "taskrelay/pkg/tasks.queryError: boom" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestIsFatal(t *testing.T) {
	fatal := &FatalError{Kind: "system-exit", Code: 1}
	wrapped := fmt.Errorf("task requested shutdown: %w", fatal)

	fe, ok := IsFatal(wrapped)
	if !ok {
		t.Fatal("expected wrapped fatal error to be detected")
	}
	if fe.Kind != "system-exit" || fe.Code != 1 {
		t.Fatalf("unexpected fatal error %+v", fe)
	}

	if _, ok := IsFatal(errors.New("plain failure")); ok {
		t.Fatal("expected plain failures not to be fatal")
	}
}
