package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inkstonelab/koma/pkg/extract"
)

var _ = Describe("NewCaller", func() {
	It("creates an openai caller with an explicit key", func() {
		caller, err := NewCaller(CallerConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			APIKey:   "test-key",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(caller).NotTo(BeNil())
	})

	It("creates an anthropic caller with an explicit key", func() {
		caller, err := NewCaller(CallerConfig{
			Provider: "anthropic",
			Model:    "claude-haiku-4-5-20251001",
			APIKey:   "test-key",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(caller).NotTo(BeNil())
	})

	It("creates an ollama caller explicitly without a key", func() {
		caller, err := NewCaller(CallerConfig{
			Provider: "ollama",
			Model:    "llama3.1",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(caller).NotTo(BeNil())
	})

	It("returns an error for an unsupported provider with a key", func() {
		_, err := NewCaller(CallerConfig{
			Provider: "unsupported",
			APIKey:   "key",
		})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("unsupported provider"))
	})
})

var _ = Describe("OpenAI caller", func() {
	It("posts a JSON-mode chat request and returns the content", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/v1/chat/completions"))
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer test-key"))
			Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))

			var req openAIRequest
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			Expect(req.Model).To(Equal("gpt-4o-mini"))
			Expect(req.ResponseFormat).NotTo(BeNil())
			Expect(req.ResponseFormat.Type).To(Equal("json_object"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"characters\":[]}"}}]}`))
		}))
		defer server.Close()

		caller := newOpenAICaller("test-key", "gpt-4o-mini", server.URL)
		raw, err := caller(context.Background(), "test prompt")
		Expect(err).NotTo(HaveOccurred())
		Expect(raw).To(Equal(`{"characters":[]}`))
	})

	It("surfaces non-200 responses as errors", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer server.Close()

		caller := newOpenAICaller("test-key", "gpt-4o-mini", server.URL)
		_, err := caller(context.Background(), "test prompt")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("429"))
	})
})

var _ = Describe("Anthropic caller", func() {
	It("posts a messages request with version header and returns the text", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/v1/messages"))
			Expect(r.Header.Get("x-api-key")).To(Equal("test-key"))
			Expect(r.Header.Get("anthropic-version")).To(Equal("2023-06-01"))

			var req anthropicRequest
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			Expect(req.MaxTokens).To(Equal(4096))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"characters\":[]}"}]}`))
		}))
		defer server.Close()

		caller := newAnthropicCaller("test-key", "claude-haiku-4-5-20251001", server.URL)
		raw, err := caller(context.Background(), "test prompt")
		Expect(err).NotTo(HaveOccurred())
		Expect(raw).To(Equal(`{"characters":[]}`))
	})
})

var _ = Describe("Ollama caller", func() {
	It("posts a non-streaming JSON-format chat request", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/api/chat"))

			var req ollamaChatRequest
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			Expect(req.Stream).To(BeFalse())
			Expect(req.Format).To(Equal("json"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"message":{"content":"{\"characters\":[]}"},"done":true}`))
		}))
		defer server.Close()

		caller := newOllamaCaller("llama3.1", server.URL)
		raw, err := caller(context.Background(), "test prompt")
		Expect(err).NotTo(HaveOccurred())
		Expect(raw).To(Equal(`{"characters":[]}`))
	})
})

var _ = Describe("buildPrompt", func() {
	It("includes the chunk text and known characters", func() {
		prompt := buildPrompt(extract.Request{
			ChunkIndex:   2,
			Text:         "Noboru crossed the bridge.",
			PromptMemory: "char_1 Noboru: crossed the bridge",
		})

		Expect(prompt).To(ContainSubstring("Known characters:\nchar_1 Noboru"))
		Expect(prompt).To(ContainSubstring("Passage:\nNoboru crossed the bridge."))
	})

	It("marks neighbor text as context only and bounds its length", func() {
		prompt := buildPrompt(extract.Request{
			Text:     "The passage.",
			PrevText: strings.Repeat("a", 1000),
			NextText: strings.Repeat("b", 1000),
		})

		Expect(prompt).To(ContainSubstring("End of previous passage (context only"))
		Expect(prompt).To(ContainSubstring("Start of next passage (context only"))
		// Each neighbor excerpt is capped at 400 bytes.
		Expect(prompt).To(ContainSubstring(strings.Repeat("a", 400)))
		Expect(prompt).NotTo(ContainSubstring(strings.Repeat("a", 401)))
		Expect(prompt).To(ContainSubstring(strings.Repeat("b", 400)))
		Expect(prompt).NotTo(ContainSubstring(strings.Repeat("b", 401)))
	})

	It("omits the memory and neighbor sections when absent", func() {
		prompt := buildPrompt(extract.Request{Text: "The passage."})

		Expect(prompt).NotTo(ContainSubstring("Known characters:"))
		Expect(prompt).NotTo(ContainSubstring("previous passage"))
		Expect(prompt).NotTo(ContainSubstring("next passage"))
	})
})

var _ = Describe("Extractor", func() {
	It("parses a structured response into a result", func() {
		call := CallFunc(func(ctx context.Context, prompt string) (string, error) {
			return `{
				"characters": [{"temp_id": "c1", "name": "Noboru"}],
				"character_events": [{"character": "c1", "kind": "action", "detail": "crossed the bridge"}],
				"dialogues": []
			}`, nil
		})

		res, err := NewExtractor(call).Extract(context.Background(), extract.Request{Text: "passage"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Characters).To(HaveLen(1))
		Expect(res.Characters[0].Name).To(Equal("Noboru"))
		Expect(res.Events).To(HaveLen(1))
	})

	It("returns an error when the response is not usable", func() {
		call := CallFunc(func(ctx context.Context, prompt string) (string, error) {
			return "I could not find any JSON to return.", nil
		})

		_, err := NewExtractor(call).Extract(context.Background(), extract.Request{Text: "passage"})
		Expect(err).To(HaveOccurred())
	})
})
