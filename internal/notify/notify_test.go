package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/formflow/internal/observability"
)

func testEvent() Event {
	return Event{
		SubmissionID: "sub-1",
		WorkflowID:   "expense-approval",
		FromStage:    "manager_review",
		ToStage:      "finance_review",
		Transitioned: true,
		Action:       "approve",
		Status:       "in_review",
		UserID:       "mgr",
		Revision:     2,
		Timestamp:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("formflow.workflow", testEvent()); got != "formflow.workflow.expense-approval.approve" {
		t.Errorf("Subject() = %q", got)
	}

	ev := Event{WorkflowID: "a.b", Action: "*"}
	if got := Subject("p", ev); got != "p.a_b._" {
		t.Errorf("Subject() with unsafe tokens = %q, want p.a_b._", got)
	}
	if got := Subject("p", Event{}); got != "p._._" {
		t.Errorf("Subject() with empty tokens = %q, want p._._", got)
	}
}

func TestNopPublisher(t *testing.T) {
	if err := (NopPublisher{}).Publish(context.Background(), testEvent()); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewLogPublisher(zap.New(core), "formflow.workflow")

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	entries := logs.FilterMessage("workflow transition").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["subject"] != "formflow.workflow.expense-approval.approve" {
		t.Errorf("subject = %v", fields["subject"])
	}
	if fields["to_stage"] != "finance_review" {
		t.Errorf("to_stage = %v", fields["to_stage"])
	}
	if fields["revision"] != int64(2) {
		t.Errorf("revision = %v", fields["revision"])
	}
}

type fakeConn struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeConn) PublishMsg(msg *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	conn := &fakeConn{}
	p := &NATSPublisher{conn: conn, prefix: "formflow.workflow"}

	ctx, span := observability.StartSpan(context.Background(), "workflow.execute_action")
	defer span.End()

	if err := p.Publish(ctx, testEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(conn.msgs) != 1 {
		t.Fatalf("published = %d, want 1", len(conn.msgs))
	}

	msg := conn.msgs[0]
	if msg.Subject != "formflow.workflow.expense-approval.approve" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Header.Get("Traceparent") == "" {
		t.Error("message should carry a Traceparent header")
	}
	if msg.Header.Get("Formflow-Submission-Id") != "sub-1" {
		t.Errorf("submission header = %q", msg.Header.Get("Formflow-Submission-Id"))
	}

	var got Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != testEvent() {
		t.Errorf("payload = %+v, want %+v", got, testEvent())
	}
}

func TestNATSPublisher_PublishError(t *testing.T) {
	p := &NATSPublisher{conn: &fakeConn{err: nats.ErrConnectionClosed}, prefix: "p"}

	err := p.Publish(context.Background(), testEvent())
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("Publish() error = %v, want ErrConnectionClosed", err)
	}
}

func TestNATSPublisher_withoutConnection(t *testing.T) {
	p := &NATSPublisher{conn: &fakeConn{}, prefix: "p"}
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestConnectNATS_unreachable(t *testing.T) {
	if _, err := ConnectNATS("nats://127.0.0.1:1", "p"); err == nil {
		t.Error("ConnectNATS() to a closed port should fail")
	}
}
