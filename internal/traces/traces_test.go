package traces

import (
	"context"
	"log/slog"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "kestrel", "", slog.Default())
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestStartSpanNoop(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", ActorID("a"), Score(0.5))
	defer span.End()
	if ctx == nil {
		t.Fatal("expected context")
	}
}
