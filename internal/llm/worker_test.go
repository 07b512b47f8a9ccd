package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf-ocr/internal/domain"
)

func workerHandler(t *testing.T, failures int32, outputs func(BatchRequest) BatchResponse) (http.HandlerFunc, *int32) {
	var calls int32
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var req BatchRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(outputs(req))
	}, &calls
}

func echoOutputs(req BatchRequest) BatchResponse {
	out := BatchResponse{}
	for _, item := range req.Items {
		raw, _ := base64.StdEncoding.DecodeString(item.ImageBase64)
		out.Outputs = append(out.Outputs, BatchOutput{Text: "text of " + string(raw), FinishReason: "stop"})
	}
	return out
}

func fastRetry(e *WorkerEngine) {
	e.retry.InitialBackoff = time.Millisecond
	e.retry.MaxBackoff = 5 * time.Millisecond
}

func TestWorkerEngine_Generate(t *testing.T) {
	var seen BatchRequest
	handler, calls := workerHandler(t, 0, func(req BatchRequest) BatchResponse {
		seen = req
		return echoOutputs(req)
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	engine, err := NewWorkerEngine(srv.URL, "deepseek-ai/DeepSeek-OCR-2", WithToken("secret"))
	require.NoError(t, err)

	reqs := batch(5)
	for i := range reqs {
		reqs[i].Visual.BaseSize = 1024
		reqs[i].Visual.ImageSize = 768
		reqs[i].Visual.CropMode = true
	}

	results, err := engine.Generate(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, int32(1), *calls, "a batch is one call")

	for i, r := range results {
		assert.Equal(t, i, r.PageIndex)
		assert.Equal(t, "text of "+string(reqs[i].Visual.Data), r.Text)
	}

	assert.Equal(t, "deepseek-ai/DeepSeek-OCR-2", seen.Model)
	require.Len(t, seen.Items, 5)
	assert.Equal(t, 1024, seen.Items[0].BaseSize)
	assert.Equal(t, 768, seen.Items[0].ImageSize)
	assert.True(t, seen.Items[0].CropMode)
	assert.Equal(t, 8192, seen.Sampling.MaxTokens)
	assert.False(t, seen.Sampling.SkipSpecialTokens)
	assert.Equal(t, []int{128821, 128822}, seen.Sampling.WhitelistTokenIDs)
}

func TestWorkerEngine_RetriesUnavailable(t *testing.T) {
	handler, calls := workerHandler(t, 2, echoOutputs)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	engine, err := NewWorkerEngine(srv.URL, "m", WithToken("secret"), WithMaxRetries(2))
	require.NoError(t, err)
	fastRetry(engine)

	results, err := engine.Generate(context.Background(), batch(2))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(3), *calls)
}

func TestWorkerEngine_GivesUp(t *testing.T) {
	handler, calls := workerHandler(t, 100, echoOutputs)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	engine, err := NewWorkerEngine(srv.URL, "m", WithToken("secret"), WithMaxRetries(1))
	require.NoError(t, err)
	fastRetry(engine)

	_, err = engine.Generate(context.Background(), batch(2))
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInference))
	assert.Equal(t, int32(2), *calls)
}

func TestWorkerEngine_ShortBatchIsPassedThrough(t *testing.T) {
	handler, _ := workerHandler(t, 0, func(req BatchRequest) BatchResponse {
		out := echoOutputs(req)
		out.Outputs = out.Outputs[:len(out.Outputs)-1]
		return out
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	engine, err := NewWorkerEngine(srv.URL, "m", WithToken("secret"))
	require.NoError(t, err)

	results, err := engine.Generate(context.Background(), batch(3))
	require.NoError(t, err)
	assert.Len(t, results, 2, "length checks belong to the pipeline")
}

func TestWorkerEngine_ReportedFailure(t *testing.T) {
	handler, _ := workerHandler(t, 0, func(BatchRequest) BatchResponse {
		return BatchResponse{Error: "CUDA out of memory"}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	engine, err := NewWorkerEngine(srv.URL, "m", WithToken("secret"))
	require.NoError(t, err)

	_, err = engine.Generate(context.Background(), batch(1))
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInference))
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestWorkerEngine_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad image", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	engine, err := NewWorkerEngine(srv.URL, "m")
	require.NoError(t, err)

	_, err = engine.Generate(context.Background(), batch(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
}
