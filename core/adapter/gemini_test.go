package adapter

import (
	"ai-grader/core"
	"ai-grader/models"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGeminiTransport_Generate(t *testing.T) {
	var captured GeminiRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "secret-key", r.URL.Query().Get("key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"thinking","thought":true},{"text":"{\"a\":"},{"text":"1}"}]},"finishReason":"STOP"}]}`)
	}))
	defer ts.Close()

	tr := NewGeminiTransport(GeminiOptions{BaseURL: ts.URL, Logger: quietLogger()})
	text, err := tr.Generate(context.Background(), "secret-key", models.GenerateRequest{
		Model:          "gemini-test",
		Prompt:         "hello",
		Temperature:    0.3,
		ResponseFormat: models.ResponseFormatJSON,
		ResponseSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties":           map[string]interface{}{"a": map[string]interface{}{"type": "integer", "title": "A"}},
		},
		Attachment: &models.Attachment{DisplayName: "doc.pdf", Data: []byte("%PDF-1.4 tiny")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, text)

	require.Len(t, captured.Contents, 1)
	parts := captured.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "hello", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "application/pdf", parts[1].InlineData.MimeType)

	cfg := captured.GenerationConfig
	require.NotNil(t, cfg)
	assert.Equal(t, "application/json", cfg.ResponseMimeType)
	assert.InDelta(t, 0.3, *cfg.Temperature, 1e-9)
	_, hasAdditional := cfg.ResponseSchema["additionalProperties"]
	assert.False(t, hasAdditional)
}

func TestGeminiTransport_ErrorMapping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer ts.Close()

	tr := NewGeminiTransport(GeminiOptions{BaseURL: ts.URL, Logger: quietLogger()})
	_, err := tr.Generate(context.Background(), "k", models.GenerateRequest{Model: "m", Prompt: "p"})

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, 429, upstream.StatusCode)
	assert.Equal(t, "RESOURCE_EXHAUSTED", upstream.Status)
	assert.Equal(t, core.FailureQuotaExhausted, core.Classify(err))
}

func TestGeminiTransport_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "upstream connect error")
	}))
	defer ts.Close()

	tr := NewGeminiTransport(GeminiOptions{BaseURL: ts.URL, Logger: quietLogger()})
	_, err := tr.Generate(context.Background(), "k", models.GenerateRequest{Model: "m", Prompt: "p"})
	assert.Equal(t, core.FailureServiceUnavailable, core.Classify(err))
}

func TestGeminiTransport_BlockedAndEmpty(t *testing.T) {
	var blocked atomic.Bool
	blocked.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if blocked.Load() {
			io.WriteString(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
			return
		}
		io.WriteString(w, `{"candidates":[]}`)
	}))
	defer ts.Close()

	tr := NewGeminiTransport(GeminiOptions{BaseURL: ts.URL, Logger: quietLogger()})
	_, err := tr.Generate(context.Background(), "k", models.GenerateRequest{Model: "m", Prompt: "p"})
	var be *BlockedError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, core.FailureFatal, core.Classify(err))

	blocked.Store(false)
	_, err = tr.Generate(context.Background(), "k", models.GenerateRequest{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, core.FailureMalformedResponse, core.Classify(err))
}

func TestGeminiTransport_LargeAttachmentUsesFilesAPI(t *testing.T) {
	var starts, uploads atomic.Int32
	var fileURI string
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/upload/v1beta/files":
			starts.Add(1)
			assert.Equal(t, "resumable", r.Header.Get("X-Goog-Upload-Protocol"))
			assert.Equal(t, "start", r.Header.Get("X-Goog-Upload-Command"))
			assert.Equal(t, "64", r.Header.Get("X-Goog-Upload-Header-Content-Length"))
			w.Header().Set("X-Goog-Upload-URL", ts.URL+"/upload-session/1")
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/upload-session/1":
			uploads.Add(1)
			assert.Equal(t, "upload, finalize", r.Header.Get("X-Goog-Upload-Command"))
			body, _ := io.ReadAll(r.Body)
			assert.Len(t, body, 64)
			io.WriteString(w, `{"file":{"name":"files/abc","uri":"https://files.example/abc","mimeType":"application/pdf"}}`)
		case strings.HasSuffix(r.URL.Path, ":generateContent"):
			var req GeminiRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if fd := req.Contents[0].Parts[1].FileData; fd != nil {
				fileURI = fd.FileURI
			}
			io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"# converted"}]}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	tr := NewGeminiTransport(GeminiOptions{BaseURL: ts.URL, InlineLimit: 16, Logger: quietLogger()})
	req := models.GenerateRequest{
		Model:          "m",
		Prompt:         "convert",
		ResponseFormat: models.ResponseFormatPlainText,
		Attachment: &models.Attachment{
			DisplayName: "big.pdf",
			MimeType:    "application/pdf",
			Data:        []byte(strings.Repeat("x", 64)),
		},
	}

	for i := 0; i < 2; i++ {
		text, err := tr.Generate(context.Background(), "k", req)
		require.NoError(t, err)
		assert.Equal(t, "# converted", text)
	}
	assert.Equal(t, "https://files.example/abc", fileURI)
	// 第二次复用缓存
	assert.Equal(t, int32(1), starts.Load())
	assert.Equal(t, int32(1), uploads.Load())
}
