package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type SendEmailRequest struct {
	To string `json:"to"`
}

type sendEmailHandler struct {
	sent    *[]string
	started *bool
}

func (h *sendEmailHandler) Handle(ctx context.Context, req SendEmailRequest) error {
	*h.sent = append(*h.sent, req.To)
	return nil
}

func (h *sendEmailHandler) OnStarted(ctx context.Context, taskId string) error {
	*h.started = true
	return nil
}

func TestRegisterAndResolveInvokesHandler(t *testing.T) {
	r := New()
	var sent []string
	var started bool

	Register[SendEmailRequest](r, func() Handler[SendEmailRequest] {
		return &sendEmailHandler{sent: &sent, started: &started}
	})

	entry, ok := r.Resolve(TypeName[SendEmailRequest]())
	if !ok {
		t.Fatal("expected handler to resolve")
	}
	if !entry.HasStarter() {
		t.Fatal("expected capability probing to find Starter")
	}
	if entry.HasCompleter() || entry.HasDisposer() {
		t.Fatal("handler does not implement Completer or Disposer")
	}

	payload, _ := json.Marshal(SendEmailRequest{To: "a@example.com"})
	inst, err := entry.Bind(payload)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := inst.Invoke(context.Background()); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(sent) != 1 || sent[0] != "a@example.com" {
		t.Fatalf("handler did not run: %v", sent)
	}

	if err := inst.OnStarted(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if !started {
		t.Fatal("expected OnStarted to run")
	}
}

// statefulHandler mutates genuine per-instance state in Handle (a counter
// field, not a pointer to a shared outer variable) and reads it back in
// Dispose. A registry that resolves a fresh handler per capability hook
// instead of threading one instance through the lifecycle would have
// Dispose observe invocations == 0 even after Handle ran.
type statefulHandler struct {
	invocations int
	results     *[]int
}

func (h *statefulHandler) Handle(ctx context.Context, req SendEmailRequest) error {
	h.invocations++
	return nil
}

func (h *statefulHandler) Dispose() error {
	*h.results = append(*h.results, h.invocations)
	return nil
}

func TestBindRunsOneHandlerInstanceThroughoutLifecycle(t *testing.T) {
	r := New()
	var results []int
	Register[SendEmailRequest](r, func() Handler[SendEmailRequest] {
		return &statefulHandler{results: &results}
	})

	entry, ok := r.Resolve(TypeName[SendEmailRequest]())
	if !ok {
		t.Fatal("expected handler to resolve")
	}

	payload, _ := json.Marshal(SendEmailRequest{To: "a@example.com"})
	inst, err := entry.Bind(payload)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := inst.Invoke(context.Background()); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if err := inst.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	if len(results) != 1 || results[0] != 1 {
		t.Fatalf("expected Dispose to observe the same instance's 1 invocation, got %v", results)
	}
}

func TestResolveUnknownRequestType(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("NoSuchType"); ok {
		t.Fatal("expected unknown request type to not resolve")
	}
}

type badPayloadHandler struct{}

func (badPayloadHandler) Handle(ctx context.Context, req SendEmailRequest) error { return nil }

func TestBindSurfacesDecodeErrors(t *testing.T) {
	r := New()
	Register[SendEmailRequest](r, func() Handler[SendEmailRequest] { return badPayloadHandler{} })

	entry, _ := r.Resolve(TypeName[SendEmailRequest]())
	_, err := entry.Bind([]byte("not json"))
	if err == nil {
		t.Fatal("expected decode error")
	}
	var target *json.SyntaxError
	if !errors.As(err, &target) {
		t.Fatalf("expected wrapped json.SyntaxError, got %v", err)
	}
}
