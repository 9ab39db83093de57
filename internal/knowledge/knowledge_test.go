package knowledge

import (
	"context"
	"testing"
)

func TestRetrieveMatchesCategory(t *testing.T) {
	r := NewStaticRetriever()

	notes, err := r.Retrieve(context.Background(),
		"user input concatenated into sql query via select builder", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) == 0 {
		t.Fatal("expected at least one note")
	}
	if notes[0].Category != "sql_injection" {
		t.Fatalf("expected sql_injection first, got %s", notes[0].Category)
	}
}

func TestRetrieveOrdersByScore(t *testing.T) {
	r := NewStaticRetriever()

	notes, err := r.Retrieve(context.Background(),
		"shell exec of command built from request, also logs a token", Options{TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) < 2 {
		t.Fatalf("expected multiple notes, got %d", len(notes))
	}
	for i := 1; i < len(notes); i++ {
		if notes[i].Score > notes[i-1].Score {
			t.Fatal("notes must be ordered by descending score")
		}
	}
	if notes[0].Category != "command_injection" {
		t.Fatalf("expected command_injection first, got %s", notes[0].Category)
	}
}

func TestRetrieveTopKLimit(t *testing.T) {
	r := NewStaticRetriever()

	notes, err := r.Retrieve(context.Background(),
		"sql query exec shell file path url auth token secret html script", Options{TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) > 2 {
		t.Fatalf("expected at most 2 notes, got %d", len(notes))
	}
}

func TestRetrieveNoMatch(t *testing.T) {
	r := NewStaticRetriever()

	notes, err := r.Retrieve(context.Background(), "completely unrelated text", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 0 {
		t.Fatalf("expected no notes, got %v", notes)
	}
}

func TestRetrieveCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewStaticRetriever().Retrieve(ctx, "sql query", Options{}); err == nil {
		t.Fatal("expected context error")
	}
}
