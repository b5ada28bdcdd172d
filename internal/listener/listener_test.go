package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

type mapLoader map[int64]models.DetectionEvent

func (m mapLoader) GetDetection(_ context.Context, id int64) (models.DetectionEvent, error) {
	ev, ok := m[id]
	if !ok {
		return models.DetectionEvent{}, errors.New("not found")
	}
	return ev, nil
}

type sliceQueue struct{ events []models.DetectionEvent }

func (q *sliceQueue) Enqueue(ev models.DetectionEvent) error {
	q.events = append(q.events, ev)
	return nil
}

func TestHandle(t *testing.T) {
	loader := mapLoader{42: {ID: 42, Disease: "Leaf_Rust", Confidence: 0.9}}
	tests := []struct {
		name    string
		payload string
		queued  int
	}{
		{"valid", `{"event_id":42}`, 1},
		{"unknown event", `{"event_id":7}`, 0},
		{"bad json", `{event_id:`, 0},
		{"missing id", `{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &sliceQueue{}
			l := New("", loader, q, slog.New(slog.NewTextHandler(io.Discard, nil)))
			l.Handle(context.Background(), tt.payload)
			if len(q.events) != tt.queued {
				t.Fatalf("queued %d events, want %d", len(q.events), tt.queued)
			}
		})
	}
}
