package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxmirror/voxmirror/pkg/provider/llm"
	llmmock "github.com/voxmirror/voxmirror/pkg/provider/llm/mock"
)

func TestLLMFallback_PrimaryStreams(t *testing.T) {
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hello"}, {FinishReason: "stop"}},
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "backup"}},
	}

	f := NewLLMFallback(primary, "primary", BreakerConfig{MaxFailures: 3})
	f.AddFallback("secondary", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got string
	for c := range ch {
		got += c.Text
	}
	if got != "hello" {
		t.Fatalf("streamed text = %q, want hello", got)
	}
	if secondary.CallCount() != 0 {
		t.Error("secondary should not be called when the primary succeeds")
	}
}

func TestLLMFallback_FailoverOnStartError(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("rate limited")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "backup"}, {FinishReason: "stop"}},
	}

	f := NewLLMFallback(primary, "primary", BreakerConfig{MaxFailures: 3})
	f.AddFallback("secondary", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got string
	for c := range ch {
		got += c.Text
	}
	if got != "backup" {
		t.Fatalf("streamed text = %q, want backup", got)
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.CallCount())
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("down")}
	secondary := &llmmock.Provider{StreamErr: errors.New("also down")}

	f := NewLLMFallback(primary, "primary", BreakerConfig{MaxFailures: 3})
	f.AddFallback("secondary", secondary)

	_, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from backup"},
	}

	f := NewLLMFallback(primary, "primary", BreakerConfig{MaxFailures: 3})
	f.AddFallback("secondary", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from backup" {
		t.Fatalf("content = %q, want from backup", resp.Content)
	}
}
