package adapter

import (
	"ai-grader/core"
	"ai-grader/core/utils"
	"ai-grader/models"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL Gemini REST 入口
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	// DefaultInlineLimit 超过此大小的附件走 Files API
	DefaultInlineLimit = 20 * 1024 * 1024
)

// GeminiOptions GeminiTransport 配置
type GeminiOptions struct {
	BaseURL     string
	InlineLimit int64
	HTTPClient  *http.Client
	Logger      *logrus.Logger
}

// GeminiTransport 单次 generateContent 调用
// 不做任何重试，失败原样返回给 Invoker 分类
type GeminiTransport struct {
	client      *resty.Client
	baseURL     string
	inlineLimit int64
	logger      *logrus.Logger

	// uploads 已上传文件的缓存，key = 凭证摘要 + 内容摘要
	uploads sync.Map
}

// NewGeminiTransport 创建 Gemini 传输层
func NewGeminiTransport(opts GeminiOptions) *GeminiTransport {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = DefaultInlineLimit
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetRetryCount(0).SetHeader("Content-Type", "application/json")

	return &GeminiTransport{
		client:      client,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		inlineLimit: opts.InlineLimit,
		logger:      opts.Logger,
	}
}

// Generate 实现 core.Transport
func (t *GeminiTransport) Generate(ctx context.Context, apiKey string, req models.GenerateRequest) (string, error) {
	parts := []GeminiPart{{Text: req.Prompt}}
	if req.Attachment != nil && len(req.Attachment.Data) > 0 {
		part, err := t.attachmentPart(ctx, apiKey, req.Attachment)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}

	temperature := req.Temperature
	body := GeminiRequest{
		Contents: []GeminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &GeminiConfig{
			Temperature:      &temperature,
			ResponseMimeType: req.ResponseFormat.MimeType(),
		},
	}
	if req.ResponseFormat == models.ResponseFormatJSON && req.ResponseSchema != nil {
		schema := utils.CloneSchema(req.ResponseSchema)
		utils.SanitizeJSONSchema(schema)
		body.GenerationConfig.ResponseSchema = schema
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("key", apiKey).
		SetBody(body).
		Post(fmt.Sprintf("%s/v1beta/models/%s:generateContent", t.baseURL, req.Model))
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", decodeUpstreamError(resp.StatusCode(), resp.Body())
	}

	var out GeminiResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode generateContent response: %w", err)
	}
	return extractText(&out)
}

// extractText 拼接第一个候选的全部文本 part (跳过 thought)
func extractText(resp *GeminiResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", &BlockedError{Reason: resp.PromptFeedback.BlockReason}
	}
	if len(resp.Candidates) == 0 {
		return "", &core.MalformedResponseError{Err: ErrEmptyResponse}
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// attachmentPart 小文件 inline，大文件走 Files API
func (t *GeminiTransport) attachmentPart(ctx context.Context, apiKey string, att *models.Attachment) (GeminiPart, error) {
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(att.Data).String()
	}
	if int64(len(att.Data)) <= t.inlineLimit {
		return GeminiPart{InlineData: &GeminiInlineData{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(att.Data),
		}}, nil
	}

	file, err := t.Upload(ctx, apiKey, att.DisplayName, mimeType, att.Data)
	if err != nil {
		return GeminiPart{}, err
	}
	if file.MimeType != "" {
		mimeType = file.MimeType
	}
	return GeminiPart{FileData: &GeminiFileData{MimeType: mimeType, FileURI: file.URI}}, nil
}

// Upload 通过 resumable 协议上传文件；同一凭证下相同内容只上传一次
func (t *GeminiTransport) Upload(ctx context.Context, apiKey, displayName, mimeType string, data []byte) (*GeminiFile, error) {
	keySum := sha256.Sum256([]byte(apiKey))
	dataSum := sha256.Sum256(data)
	cacheKey := hex.EncodeToString(keySum[:8]) + ":" + hex.EncodeToString(dataSum[:])
	if v, ok := t.uploads.Load(cacheKey); ok {
		return v.(*GeminiFile), nil
	}

	start, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("key", apiKey).
		SetHeader("X-Goog-Upload-Protocol", "resumable").
		SetHeader("X-Goog-Upload-Command", "start").
		SetHeader("X-Goog-Upload-Header-Content-Length", strconv.Itoa(len(data))).
		SetHeader("X-Goog-Upload-Header-Content-Type", mimeType).
		SetBody(geminiUploadStart{File: geminiFileMeta{DisplayName: displayName}}).
		Post(t.baseURL + "/upload/v1beta/files")
	if err != nil {
		return nil, err
	}
	if start.StatusCode() != http.StatusOK {
		return nil, decodeUpstreamError(start.StatusCode(), start.Body())
	}
	uploadURL := start.Header().Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return nil, fmt.Errorf("upload session for %q returned no upload URL", displayName)
	}

	var result geminiUploadResult
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", mimeType).
		SetHeader("X-Goog-Upload-Offset", "0").
		SetHeader("X-Goog-Upload-Command", "upload, finalize").
		SetBody(data).
		Post(uploadURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, decodeUpstreamError(resp.StatusCode(), resp.Body())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if result.File.URI == "" {
		return nil, fmt.Errorf("upload of %q returned no file uri", displayName)
	}

	t.logger.WithFields(logrus.Fields{
		"file":  result.File.Name,
		"bytes": len(data),
	}).Infof("Uploaded %s to Files API", displayName)
	t.uploads.Store(cacheKey, &result.File)
	return &result.File, nil
}
