// Package tasks holds the built-in task runners and assembles the default
// registry the worker daemon dispatches through.
package tasks

import (
	"math/rand"
	"time"

	"taskrelay/internal/registry"
)

func DefaultRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register("add", NewAddTask())
	reg.Register("send_email", NewSendEmailTask(200*time.Millisecond))

	randomFunc := func() int {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		return r.Intn(100) + 1
	}
	reg.Register("run_query", NewRunQueryTask(randomFunc))

	return reg
}
