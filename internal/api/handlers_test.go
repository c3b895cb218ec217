package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomstudio/canvas-engine/internal/auth"
	"github.com/loomstudio/canvas-engine/internal/config"
	"github.com/loomstudio/canvas-engine/internal/coordinator"
	"github.com/loomstudio/canvas-engine/internal/distill"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
	"github.com/loomstudio/canvas-engine/internal/queue"
	"github.com/loomstudio/canvas-engine/internal/validator"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *graphstore.MemoryStore, *execstore.MemoryStore) {
	t.Helper()

	graphs := graphstore.NewMemoryStore()
	execs := execstore.NewMemoryStore()
	jobs := queue.NewMemoryQueue(nil, nil)
	coord := coordinator.New(graphs, execs, jobs, nil, nil, distill.Options{}, "standard", nil)

	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}

	cfg := &config.Config{CORSOrigins: []string{"http://localhost:5173"}}
	h := NewHandlers(graphs, execs, coord, v, cfg, nil)
	authMW := auth.NewMiddleware(nil, &auth.MiddlewareConfig{Enabled: false})
	return NewServer(h, authMW, nil), graphs, execs
}

func doJSON(t *testing.T, srv *Server, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestTriggerEndpoint(t *testing.T) {
	srv, graphs, _ := newTestServer(t)
	if err := graphs.CreateCanvas(context.Background(), "c1", "u1"); err != nil {
		t.Fatalf("CreateCanvas: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/canvases/c1/trigger", "u1", `{"prompt": "Hello"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result types.TriggerResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ExecutionID == "" || len(result.Jobs) != 1 {
		t.Errorf("result = %+v", result)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestTriggerEndpoint_Validation(t *testing.T) {
	srv, graphs, _ := newTestServer(t)
	graphs.CreateCanvas(context.Background(), "c1", "u1")

	tests := []struct {
		name string
		body string
	}{
		{"empty payload", `{}`},
		{"empty prompt", `{"prompt": ""}`},
		{"bad model", `{"prompt": "x", "models": [{"provider": "openai"}]}`},
		{"malformed json", `{prompt`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/canvases/c1/trigger", "u1", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error != ErrCodeValidation {
				t.Errorf("error code = %q", resp.Error)
			}
		})
	}
}

func TestTriggerEndpoint_MissingAndForeignCanvas(t *testing.T) {
	srv, graphs, _ := newTestServer(t)
	graphs.CreateCanvas(context.Background(), "c1", "u1")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/canvases/nope/trigger", "u1", `{"prompt": "x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing canvas status = %d", rec.Code)
	}

	// A canvas owned by someone else is indistinguishable from a missing one.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/canvases/c1/trigger", "u2", `{"prompt": "x"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign canvas status = %d", rec.Code)
	}
}

func TestGetExecutionEndpoint(t *testing.T) {
	srv, graphs, execs := newTestServer(t)
	ctx := context.Background()
	graphs.CreateCanvas(ctx, "c1", "u1")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/canvases/c1/trigger", "u1", `{"prompt": "Hello"}`)
	var result types.TriggerResult
	json.Unmarshal(rec.Body.Bytes(), &result)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/executions/"+result.ExecutionID, "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var exec types.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &exec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if exec.ID != result.ExecutionID || exec.Status != types.ExecutionStatusPending {
		t.Errorf("execution = %+v", exec)
	}

	// Another user cannot read it.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/executions/"+result.ExecutionID, "u2", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign execution status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/executions/nope", "u1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing execution status = %d", rec.Code)
	}

	_ = execs
}

func TestGetResponseEndpoint(t *testing.T) {
	srv, _, execs := newTestServer(t)
	ctx := context.Background()

	execs.CreateResponse(ctx, &types.ModelResponse{
		ID:      "r1",
		UserID:  "u1",
		ModelID: "gpt-4o",
		Status:  types.ResponseStatusCompleted,
		Content: "done",
	})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/responses/r1", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp types.ModelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("content = %q", resp.Content)
	}

	// Another user's response is indistinguishable from a missing one.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/responses/r1", "u2", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign response status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/responses/nope", "u1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing response status = %d", rec.Code)
	}
}

func TestCreateCanvasEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/canvases", "u1", `{"id": "c9"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/canvases", "u1", `{"id": "c9"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate canvas status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/canvases", "u1", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
