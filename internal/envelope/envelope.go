// Package envelope builds, validates, and serializes task envelopes.
package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"taskrelay/internal/domain"
	"taskrelay/internal/errval"
)

var validate = validator.New()

// Build turns a publish request into a wire-ready envelope. All relative
// times in req are resolved against a single clock snapshot, and the
// args/kwargs shape is checked before anything touches the network.
func Build(req domain.PublishRequest) (*domain.Envelope, error) {
	if req.Task == "" {
		return nil, fmt.Errorf("%w: task name is required", errval.ErrValidation)
	}

	args, err := NormalizeArgs(req.Args)
	if err != nil {
		return nil, err
	}
	kwargs, err := NormalizeKwargs(req.Kwargs)
	if err != nil {
		return nil, err
	}
	if req.Retries < 0 {
		return nil, fmt.Errorf("%w: retries must not be negative", errval.ErrValidation)
	}
	if req.Countdown > 0 && !req.ETA.IsZero() {
		return nil, fmt.Errorf("%w: countdown and eta are mutually exclusive", errval.ErrValidation)
	}
	if req.ExpiresIn > 0 && !req.Expires.IsZero() {
		return nil, fmt.Errorf("%w: expires_in and expires are mutually exclusive", errval.ErrValidation)
	}

	// One shared "now" for both resolutions, so eta and expires cannot skew
	// against each other within a single publish call.
	now := time.Now().UTC()

	env := &domain.Envelope{
		Task:    req.Task,
		ID:      req.TaskID,
		Args:    args,
		Kwargs:  kwargs,
		Retries: req.Retries,
		Taskset: req.Taskset,
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	switch {
	case req.Countdown > 0:
		eta := now.Add(req.Countdown)
		env.ETA = &eta
	case !req.ETA.IsZero():
		eta := req.ETA.UTC()
		env.ETA = &eta
	}
	switch {
	case req.ExpiresIn > 0:
		exp := now.Add(req.ExpiresIn)
		env.Expires = &exp
	case !req.Expires.IsZero():
		exp := req.Expires.UTC()
		env.Expires = &exp
	}

	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrValidation, err)
	}
	return env, nil
}

// Encode renders the envelope in its JSON wire format.
func Encode(env *domain.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a message body into an envelope, enforcing the same shape
// rules the publisher applies: args must be list-like, kwargs map-like.
func Decode(body []byte) (*domain.Envelope, error) {
	var raw struct {
		Task    string     `json:"task"`
		ID      string     `json:"id"`
		Args    any        `json:"args"`
		Kwargs  any        `json:"kwargs"`
		Retries int        `json:"retries"`
		ETA     *time.Time `json:"eta"`
		Expires *time.Time `json:"expires"`
		Taskset string     `json:"taskset"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrDecode, err)
	}

	args, err := NormalizeArgs(raw.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrDecode, err)
	}
	kwargs, err := NormalizeKwargs(raw.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrDecode, err)
	}

	env := &domain.Envelope{
		Task:    raw.Task,
		ID:      raw.ID,
		Args:    args,
		Kwargs:  kwargs,
		Retries: raw.Retries,
		ETA:     raw.ETA,
		Expires: raw.Expires,
		Taskset: raw.Taskset,
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrDecode, err)
	}
	return env, nil
}

// NormalizeArgs accepts any list-like value and returns it as []any. A nil
// input is an empty argument list; mapping types are rejected.
func NormalizeArgs(v any) ([]any, error) {
	if v == nil {
		return []any{}, nil
	}
	if args, ok := v.([]any); ok {
		return args, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		args := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			args[i] = rv.Index(i).Interface()
		}
		return args, nil
	default:
		return nil, fmt.Errorf("%w: task args must be a list, got %T", errval.ErrValidation, v)
	}
}

// NormalizeKwargs accepts any string-keyed mapping and returns it as
// map[string]any. A nil input is an empty mapping; sequences are rejected.
func NormalizeKwargs(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	if kwargs, ok := v.(map[string]any); ok {
		return kwargs, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("%w: task kwargs must be a string-keyed map, got %T", errval.ErrValidation, v)
	}
	kwargs := make(map[string]any, rv.Len())
	for _, k := range rv.MapKeys() {
		kwargs[k.String()] = rv.MapIndex(k).Interface()
	}
	return kwargs, nil
}
