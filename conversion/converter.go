package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ai-grader/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// DefaultOutputName 单份文件转换时的默认输出名
const DefaultOutputName = "questions.md"

// ErrNotPDF 附件不是 PDF
var ErrNotPDF = errors.New("document is not a PDF")

const conversionPrompt = "你是資工系助教，負責將 PDF 內容轉寫為乾淨、結構化的 Markdown。" +
	"請遵守以下規則：\n" +
	"- 以 Markdown 輸出全文，保留標題階層與段落。\n" +
	"- 所有數學公式請使用 LaTeX（行內公式使用 $...$，區塊公式使用 $$...$$）。\n" +
	"- 表格請以 Markdown 表格格式呈現。\n" +
	"- 程式碼（若有）請使用對應語言的程式碼區塊。\n" +
	"- 若有圖片/圖表，不需嵌入圖片檔。\n" +
	"- 移除與作業無關的頁尾頁碼、浮水印或多餘空白。\n" +
	"\n\n" +
	"請將這份 PDF 的內容完整轉為 Markdown。\n" +
	"重點：所有數學內容以 LaTeX 呈現，並確保段落與標題層級正確。"

// Generator 由 core.Invoker 实现
type Generator interface {
	Generate(ctx context.Context, req models.GenerateRequest) (string, bool)
}

// UnitFunc 每份文件处理完回调一次
type UnitFunc func(document string, status models.UnitStatus, detail string)

// Options 转换参数
type Options struct {
	Model       string
	Temperature float64
	OnUnit      UnitFunc
}

// Output 一份文件的转换结果
type Output struct {
	Document string `json:"document"`
	Path     string `json:"path"`
	Bytes    int    `json:"bytes"`
}

// Converter PDF -> Markdown
type Converter struct {
	gen    Generator
	opts   Options
	logger *logrus.Logger
}

// NewConverter 创建转换器
func NewConverter(gen Generator, logger *logrus.Logger, opts Options) *Converter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Converter{gen: gen, opts: opts, logger: logger}
}

// Prompt 固定的转换提示
func Prompt() string {
	return conversionPrompt
}

// OutputPaths 单份文件写 questions.md，多份文件按文件名各写一份 <stem>.md
// 文件名重复时后出现的写成 <stem>_2.md, <stem>_3.md ...
func OutputPaths(documents []string, outputDir string) []string {
	paths := make([]string, len(documents))
	if len(documents) == 1 {
		paths[0] = filepath.Join(outputDir, DefaultOutputName)
		return paths
	}
	used := make(map[string]bool, len(documents))
	for i, doc := range documents {
		stem := strings.TrimSuffix(filepath.Base(doc), filepath.Ext(doc))
		name := stem + ".md"
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d.md", stem, n)
		}
		used[strings.ToLower(name)] = true
		paths[i] = filepath.Join(outputDir, name)
	}
	return paths
}

// LoadDocument 读取 PDF 并构造附件
func LoadDocument(path string) (*models.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	mt := mimetype.Detect(data)
	if !mt.Is("application/pdf") {
		return nil, fmt.Errorf("%s (%s): %w", path, mt.String(), ErrNotPDF)
	}
	return &models.Attachment{
		DisplayName: filepath.Base(path),
		MimeType:    mt.String(),
		Data:        data,
	}, nil
}

// Convert 转换一份文件并写出 Markdown
// 文件不存在或不是 PDF 时返回错误；模型调用放弃时返回 ok=false
func (c *Converter) Convert(ctx context.Context, document, outputPath string) (*Output, bool, error) {
	att, err := LoadDocument(document)
	if err != nil {
		return nil, false, err
	}

	req := models.GenerateRequest{
		Model:          c.opts.Model,
		Prompt:         conversionPrompt,
		Attachment:     att,
		Temperature:    c.opts.Temperature,
		ResponseFormat: models.ResponseFormatPlainText,
	}
	c.logger.WithFields(logrus.Fields{"document": document, "bytes": len(att.Data)}).Info("Converting document")

	text, ok := c.gen.Generate(ctx, req)
	if !ok {
		return nil, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(outputPath, []byte(text), 0o644); err != nil {
		return nil, false, err
	}
	c.logger.WithField("output", outputPath).Info("Markdown written")
	return &Output{Document: document, Path: outputPath, Bytes: len(text)}, true, nil
}

// ConvertAll 依次转换全部文件；单份失败不影响后续文件
func (c *Converter) ConvertAll(ctx context.Context, documents []string, outputDir string) ([]*Output, error) {
	start := time.Now()
	paths := OutputPaths(documents, outputDir)
	outputs := make([]*Output, 0, len(documents))

	for i, doc := range documents {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}
		out, ok, err := c.Convert(ctx, doc, paths[i])
		switch {
		case err != nil:
			c.logger.WithField("document", doc).Errorf("Conversion failed: %v", err)
			c.notify(doc, models.UnitStatusSkipped, err.Error())
		case !ok:
			c.logger.WithField("document", doc).Warn("Conversion abandoned, document skipped")
			c.notify(doc, models.UnitStatusSkipped, "model call abandoned")
		default:
			outputs = append(outputs, out)
			c.notify(doc, models.UnitStatusCompleted, out.Path)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"converted": len(outputs),
		"documents": len(documents),
		"elapsed":   time.Since(start).Round(time.Millisecond).String(),
	}).Info("Conversion finished")
	return outputs, nil
}

func (c *Converter) notify(document string, status models.UnitStatus, detail string) {
	if c.opts.OnUnit != nil {
		c.opts.OnUnit(document, status, detail)
	}
}
