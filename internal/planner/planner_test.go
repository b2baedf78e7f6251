package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"PhonePilot/internal/action"
	xerrors "PhonePilot/internal/errors"
)

type scriptedClient struct {
	replies []any // string 或 error，按调用顺序消费
	calls   int
	last    Request
}

func (s *scriptedClient) Generate(ctx context.Context, req Request) (*Response, error) {
	s.last = req
	if s.calls >= len(s.replies) {
		return nil, errors.New("script exhausted")
	}
	reply := s.replies[s.calls]
	s.calls++
	if err, ok := reply.(error); ok {
		return nil, err
	}
	return &Response{Content: reply.(string)}, nil
}

const validReply = `{"thought":"点开设置","action":{"type":"tap","x":100,"y":200}}`

func TestPlanSuccess(t *testing.T) {
	client := &scriptedClient{replies: []any{validReply}}
	p := New(client, WithBackoff(time.Millisecond))

	decision, err := p.Plan(context.Background(), Request{Task: "打开设置"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action.Kind != action.KindTap {
		t.Fatalf("unexpected action: %+v", decision.Action)
	}
}

func TestPlanRetriesTransientErrors(t *testing.T) {
	client := &scriptedClient{replies: []any{
		errors.New("connection refused"),
		errors.New("connection refused"),
		validReply,
	}}
	p := New(client, WithMaxRetries(3), WithBackoff(time.Millisecond))

	if _, err := p.Plan(context.Background(), Request{Task: "t"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
}

func TestPlanTimeoutAfterRetriesExhausted(t *testing.T) {
	client := &scriptedClient{replies: []any{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}}
	p := New(client, WithMaxRetries(2), WithBackoff(time.Millisecond))

	_, err := p.Plan(context.Background(), Request{Task: "t"})
	if xerrors.CodeOf(err) != xerrors.CodePlannerTimeout {
		t.Fatalf("expected planner timeout, got %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", client.calls)
	}
}

func TestPlanZeroRetriesFailsOnFirstError(t *testing.T) {
	client := &scriptedClient{replies: []any{errors.New("connection refused")}}
	p := New(client, WithMaxRetries(0), WithBackoff(time.Millisecond))

	_, err := p.Plan(context.Background(), Request{Task: "t"})
	if xerrors.CodeOf(err) != xerrors.CodePlannerTimeout {
		t.Fatalf("expected planner timeout, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("zero retries must mean a single attempt, got %d", client.calls)
	}
}

func TestPlanCorrectiveRepromptOnce(t *testing.T) {
	client := &scriptedClient{replies: []any{
		"抱歉，我不知道该做什么",
		validReply,
	}}
	p := New(client, WithBackoff(time.Millisecond))

	decision, err := p.Plan(context.Background(), Request{Task: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Action.Kind != action.KindTap {
		t.Fatalf("unexpected action: %+v", decision.Action)
	}
	if client.calls != 2 {
		t.Fatalf("expected exactly one corrective reprompt, got %d calls", client.calls)
	}
	if client.last.Correction == "" {
		t.Fatalf("corrective reprompt must carry the parse error")
	}
}

func TestPlanParseErrorAfterTwoBadReplies(t *testing.T) {
	client := &scriptedClient{replies: []any{
		"垃圾输出一",
		"垃圾输出二",
	}}
	p := New(client, WithBackoff(time.Millisecond))

	_, err := p.Plan(context.Background(), Request{Task: "t"})
	if xerrors.CodeOf(err) != xerrors.CodePlannerParseError {
		t.Fatalf("expected planner parse error, got %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("must never loop on bad output, got %d calls", client.calls)
	}
}

func TestPlanHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{replies: []any{context.Canceled}}
	p := New(client, WithBackoff(time.Millisecond))

	if _, err := p.Plan(ctx, Request{Task: "t"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
