package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ppiankov/releasetrail/internal/model"
)

func completionServer(t *testing.T, content string, check func(openai.ChatCompletionRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if check != nil {
			check(req)
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-123",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			}},
			Usage: openai.Usage{TotalTokens: 100},
		})
	}))
}

var testRecord = model.ContentRecord{
	Organization: model.OrgSuncor,
	Link:         "https://www.suncor.com/a.pdf",
	Content:      "Suncor reports lower emissions intensity.",
}

func TestOpenAIProvider_Summarize_Success(t *testing.T) {
	server := completionServer(t, "Suncor reports lower emissions intensity. Source: https://www.suncor.com/a.pdf.", func(req openai.ChatCompletionRequest) {
		if req.Model != "gpt-4o-mini" {
			t.Errorf("Expected model gpt-4o-mini, got %s", req.Model)
		}
		if req.MaxTokens != 400 {
			t.Errorf("Expected max tokens 400, got %d", req.MaxTokens)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "lower emissions intensity") {
			t.Errorf("Expected release text in prompt, got %+v", req.Messages)
		}
	})
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{
		APIKey:         "test-key",
		BaseURL:        server.URL,
		Model:          "gpt-4o-mini",
		Timeout:        5 * time.Second,
		MaxTokens:      400,
		StrictCitation: true,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	resp, err := provider.Summarize(context.Background(), SummarizeRequest{
		Record:      testRecord,
		AllowedURLs: []string{testRecord.Link},
	})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if len(resp.CitedURLs) != 1 || resp.CitedURLs[0] != testRecord.Link {
		t.Errorf("Unexpected cited URLs: %v", resp.CitedURLs)
	}
	if resp.TokensUsed != 100 || resp.Model != "gpt-4o-mini" {
		t.Errorf("Unexpected response metadata: %+v", resp)
	}
}

func TestOpenAIProvider_StrictCitationRejectsOtherURLs(t *testing.T) {
	server := completionServer(t, "See https://news.example.com/story for context.", nil)
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL, StrictCitation: true})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	_, err = provider.Summarize(context.Background(), SummarizeRequest{Record: testRecord, AllowedURLs: []string{testRecord.Link}})
	if !errors.Is(err, ErrCitationLeak) {
		t.Fatalf("Expected ErrCitationLeak, got %v", err)
	}

	lenient, _ := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL})
	if _, err := lenient.Summarize(context.Background(), SummarizeRequest{Record: testRecord}); err != nil {
		t.Errorf("Expected lenient mode to accept, got %v", err)
	}
}

func TestOpenAIProvider_Summarize_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "Internal Server Error", "type": "server_error"}}`))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if _, err := provider.Summarize(context.Background(), SummarizeRequest{Record: testRecord}); err == nil {
		t.Fatal("Expected error, got nil")
	}
}

func TestOpenAIProvider_Summarize_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := provider.Summarize(ctx, SummarizeRequest{Record: testRecord}); err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
}

func TestOpenAIProvider_IsAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			_, _ = w.Write([]byte(`{"data": [{"id": "gpt-4o-mini"}]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if !provider.IsAvailable(context.Background()) {
		t.Error("Expected available to be true")
	}

	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if provider.IsAvailable(context.Background()) {
		t.Error("Expected available to be false on error")
	}
}

func TestNewProvider(t *testing.T) {
	if p, err := NewProvider(Config{}); err != nil || p != nil {
		t.Errorf("Expected disabled provider, got %v, %v", p, err)
	}
	if _, err := NewProvider(Config{Provider: "openai"}); err == nil {
		t.Error("Expected missing API key error")
	}
	p, err := NewProvider(Config{Provider: "ollama", Model: "llama3.1"})
	if err != nil {
		t.Fatalf("Expected ollama provider, got %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("Expected name ollama, got %s", p.Name())
	}
	if _, err := NewProvider(Config{Provider: "claude"}); err == nil {
		t.Error("Expected unknown provider error")
	}
}

func TestExtractURLs(t *testing.T) {
	got := extractURLs(`Per https://a.test/x, and (https://b.test/y). Again https://a.test/x.`)
	if strings.Join(got, " ") != "https://a.test/x https://b.test/y" {
		t.Errorf("Unexpected URLs: %v", got)
	}
}
