package homework

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Source 一个作业分类及其根目录；Dir 为空表示该分类没有提交
type Source struct {
	Label string
	Dir   string
}

// PairSources 把分类标签和目录按位置配对，目录不足的分类 Dir 为空
func PairSources(labels, dirs []string) []Source {
	sources := make([]Source, 0, len(labels))
	for i, label := range labels {
		src := Source{Label: label}
		if i < len(dirs) {
			src.Dir = dirs[i]
		}
		sources = append(sources, src)
	}
	return sources
}

// Collect 为名单中的每位学生收集各分类目录下的 *.py 文件
func Collect(students []Student, sources []Source, logger *logrus.Logger) (*Tree, error) {
	for _, src := range sources {
		if src.Dir == "" {
			continue
		}
		info, err := os.Stat(src.Dir)
		if err != nil {
			return nil, fmt.Errorf("homework directory for %q: %w", src.Label, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("homework directory for %q is not a directory: %s", src.Label, src.Dir)
		}
	}

	bundle := NewTree()
	for _, s := range students {
		entry := NewTree()
		for _, src := range sources {
			files, err := collectStudent(src.Dir, s)
			if err != nil {
				return nil, err
			}
			entry.SetDir(src.Label, files)
		}
		if logger != nil {
			logger.WithField("student", s.Key()).Debugf("Collected %d files", len(entry.Files()))
		}
		bundle.SetDir(s.Key(), entry)
	}
	return bundle, nil
}

// collectStudent 找到学生的目录 ("<id> <name>" 或 "<id>\t<name>" 开头，按名称取第一个)
// 并把其中的 *.py 按相对路径插入树中；找不到目录或没有文件时返回空树
func collectStudent(baseDir string, s Student) (*Tree, error) {
	tree := NewTree()
	if baseDir == "" {
		return tree, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", baseDir, err)
	}
	spaced := s.ID + " " + s.Name
	tabbed := s.ID + "\t" + s.Name

	folder := ""
	// os.ReadDir 已按文件名排序
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), spaced) || strings.HasPrefix(e.Name(), tabbed) {
			folder = filepath.Join(baseDir, e.Name())
			break
		}
	}
	if folder == "" {
		return tree, nil
	}

	err = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(d.Name()) != ".py" {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(folder, path)
		if err != nil {
			return err
		}
		tree.Insert(strings.Split(filepath.ToSlash(rel), "/"), string(content))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", folder, err)
	}
	return tree, nil
}
