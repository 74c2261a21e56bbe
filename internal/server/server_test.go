package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"taskrelay/internal/backend/memory"
	"taskrelay/internal/domain"
	"taskrelay/internal/envelope"
	"taskrelay/internal/errval"
)

// fakePublisher validates like the real one but swallows the send.
type fakePublisher struct {
	published []domain.PublishRequest
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, req domain.PublishRequest, opts domain.MessageOptions) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	env, err := envelope.Build(req)
	if err != nil {
		return "", err
	}
	p.published = append(p.published, req)
	return env.ID, nil
}

func TestSubmitTask(t *testing.T) {
	pub := &fakePublisher{}
	logic := NewServerLogic(pub, memory.New())

	taskID, err := logic.SubmitTask(context.Background(), RouterRequestSubmitTask{
		Task:             "add",
		Args:             json.RawMessage(`[2, 3]`),
		CountdownSeconds: 1.5,
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, taskID)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, "add", pub.published[0].Task)
	assert.Equal(t, 1500*time.Millisecond, pub.published[0].Countdown)
}

func TestSubmitTask_MappingArgsRejected(t *testing.T) {
	logic := NewServerLogic(&fakePublisher{}, memory.New())

	_, err := logic.SubmitTask(context.Background(), RouterRequestSubmitTask{
		Task: "add",
		Args: json.RawMessage(`{"a": 1}`),
	})
	assert.ErrorIs(t, err, errval.ErrValidation)
}

func TestSubmitTask_MalformedArgsRejected(t *testing.T) {
	logic := NewServerLogic(&fakePublisher{}, memory.New())

	_, err := logic.SubmitTask(context.Background(), RouterRequestSubmitTask{
		Task: "add",
		Args: json.RawMessage(`[1,`),
	})
	assert.ErrorIs(t, err, errval.ErrValidation)
}

func TestSubmitTask_BrokerErrorIsInternal(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	logic := NewServerLogic(pub, memory.New())

	_, err := logic.SubmitTask(context.Background(), RouterRequestSubmitTask{Task: "add"})
	assert.ErrorIs(t, err, errval.ErrInternal)
}

func TestGetTaskResult(t *testing.T) {
	backend := memory.New()
	logic := NewServerLogic(&fakePublisher{}, backend)
	ctx := context.Background()

	assert.NoError(t, backend.MarkDone(ctx, "t1", 5.0))

	meta, err := logic.GetTaskResult(ctx, "t1")
	assert.NoError(t, err)
	assert.Equal(t, domain.Done, meta.Status)
	assert.Equal(t, 5.0, meta.Result)
}

func TestGetTaskResult_UnknownIsPending(t *testing.T) {
	logic := NewServerLogic(&fakePublisher{}, memory.New())

	meta, err := logic.GetTaskResult(context.Background(), "never-seen")
	assert.NoError(t, err)
	assert.Equal(t, domain.Pending, meta.Status)
	assert.Equal(t, "never-seen", meta.TaskID)
}

func TestWaitForTask_TimesOut(t *testing.T) {
	logic := NewServerLogic(&fakePublisher{}, memory.New())

	_, err := logic.WaitForTask(context.Background(), "never-stored", 100*time.Millisecond)
	assert.ErrorIs(t, err, errval.ErrTimeout)
}
