package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"cprnn-go/pkg/checkpoint"
	"cprnn-go/pkg/model"
	"cprnn-go/pkg/tokenizer"
)

const defaultMaxTokens = 100

type CompletionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	TopK      int    `json:"top_k"`
}

type Choice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// server samples from one loaded model. Each request starts from a fresh recurrent
// state; only the generator is shared, so requests are serialized.
type server struct {
	mu      sync.Mutex
	model   *model.SequenceModel
	tok     *tokenizer.Tokenizer
	rng     *rand.Rand
	name    string
	topK    int
	created int64
}

func loadServer(ckptPath, tokPath string) (*server, error) {
	log.Printf("Loading model from %s...", ckptPath)
	rec, err := checkpoint.Read(ckptPath)
	if err != nil {
		return nil, err
	}
	var tok *tokenizer.Tokenizer
	if tokPath == "" {
		tok, err = rec.Tokenizer()
	} else {
		tok, err = tokenizer.Load(tokPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	rng := rand.New(rand.NewPCG(rec.Config.Seed, uint64(time.Now().UnixNano())))
	m, err := model.Build(rec.Config.Model, tok.VocabSize(), rng)
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(rec.ModelState); err != nil {
		return nil, err
	}
	name := filepath.Base(filepath.Dir(ckptPath))
	if name == "." || name == string(filepath.Separator) {
		name = "cprnn-" + m.Variant.String()
	}
	log.Printf("Model loaded: %s (%s, epoch %d, %d params)", name, m.Variant, rec.Epoch, rec.NumParams)
	return &server{
		model:   m,
		tok:     tok,
		rng:     rng,
		name:    name,
		topK:    rec.Config.Sample.TopK,
		created: time.Now().Unix(),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if req.TopK <= 0 {
		req.TopK = s.topK
	}

	s.mu.Lock()
	gen, err := model.Generate(s.model, s.tok, req.Prompt, req.MaxTokens-1, req.TopK, s.rng)
	s.mu.Unlock()
	switch {
	case errors.Is(err, model.ErrEmptyPrime),
		errors.Is(err, model.ErrInvalidTopK),
		errors.Is(err, tokenizer.ErrUnknownSymbol):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Printf("completion failed: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	prompt := len(s.tok.Split(req.Prompt))
	writeJSON(w, http.StatusOK, CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   s.name,
		Choices: []Choice{{Text: s.tok.Join(gen), Index: 0, FinishReason: "length"}},
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: len(gen),
			TotalTokens:      prompt + len(gen),
		},
	})
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Object string      `json:"object"`
		Data   []ModelInfo `json:"data"`
	}{
		Object: "list",
		Data:   []ModelInfo{{ID: s.name, Object: "model", Created: s.created, OwnedBy: "cprnn"}},
	})
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "CPRNN API is running (%s).\n\nEndpoints:\n- POST /v1/completions\n- GET /v1/models\n", s.name)
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/v1/completions", s.handleCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	return mux
}

func main() {
	ckptPath := os.Getenv("MODEL_PATH")
	if ckptPath == "" {
		ckptPath = checkpoint.Path("models", checkpoint.Best)
	}
	s, err := loadServer(ckptPath, os.Getenv("TOKENIZER_PATH"))
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "7860"
	}
	log.Printf("Starting completion server on port %s...", port)
	if err := http.ListenAndServe(":"+port, s.routes()); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
