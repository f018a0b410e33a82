package homework

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Entry 树中的一个节点：文件内容或子目录
type Entry struct {
	Content string
	Dir     *Tree
}

// IsDir 是否为子目录
func (e *Entry) IsDir() bool {
	return e != nil && e.Dir != nil
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	if e.IsDir() {
		return e.Dir.MarshalJSON()
	}
	return json.Marshal(e.Content)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		e.Dir = NewTree()
		return e.Dir.UnmarshalJSON(trimmed)
	case len(trimmed) > 0 && trimmed[0] == '"':
		return json.Unmarshal(trimmed, &e.Content)
	default:
		// 数字等其它标量按原文保存
		e.Content = string(trimmed)
		return nil
	}
}

// Tree 保持插入顺序的嵌套对象
// hw_all.json 整体就是一棵 Tree："<id> <name>" -> 分类标签 -> 相对路径各段 -> 文件内容
type Tree struct {
	m *orderedmap.OrderedMap[string, *Entry]
}

// NewTree 创建空树
func NewTree() *Tree {
	return &Tree{m: orderedmap.New[string, *Entry]()}
}

// Len 直接子节点数量
func (t *Tree) Len() int {
	if t == nil || t.m == nil {
		return 0
	}
	return t.m.Len()
}

// Get 按名称取子节点
func (t *Tree) Get(name string) (*Entry, bool) {
	if t == nil || t.m == nil {
		return nil, false
	}
	return t.m.Get(name)
}

// Subtree 取子目录，不存在或不是目录时返回空树
func (t *Tree) Subtree(name string) *Tree {
	if e, ok := t.Get(name); ok && e.IsDir() {
		return e.Dir
	}
	return NewTree()
}

// SetDir 挂载子目录
func (t *Tree) SetDir(name string, dir *Tree) {
	t.m.Set(name, &Entry{Dir: dir})
}

// SetFile 写入文件内容
func (t *Tree) SetFile(name, content string) {
	t.m.Set(name, &Entry{Content: content})
}

// Insert 按路径各段插入，中间目录不存在时自动创建
func (t *Tree) Insert(parts []string, content string) {
	if len(parts) == 0 {
		return
	}
	current := t
	for _, part := range parts[:len(parts)-1] {
		e, ok := current.m.Get(part)
		if !ok || !e.IsDir() {
			e = &Entry{Dir: NewTree()}
			current.m.Set(part, e)
		}
		current = e.Dir
	}
	current.SetFile(parts[len(parts)-1], content)
}

// Keys 按插入顺序返回直接子节点名称
func (t *Tree) Keys() []string {
	if t.Len() == 0 {
		return nil
	}
	keys := make([]string, 0, t.m.Len())
	for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Each 按插入顺序遍历直接子节点
func (t *Tree) Each(fn func(name string, e *Entry)) {
	if t.Len() == 0 {
		return
	}
	for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// File 展开后的单个文件
type File struct {
	Path    string // 以 "/" 连接的相对路径
	Content string
}

// Files 深度优先展开全部文件，保持插入顺序
func (t *Tree) Files() []File {
	var out []File
	t.walk(nil, &out)
	return out
}

func (t *Tree) walk(prefix []string, out *[]File) {
	t.Each(func(name string, e *Entry) {
		path := append(append([]string(nil), prefix...), name)
		if e.IsDir() {
			e.Dir.walk(path, out)
			return
		}
		*out = append(*out, File{Path: strings.Join(path, "/"), Content: e.Content})
	})
}

func (t *Tree) MarshalJSON() ([]byte, error) {
	if t == nil || t.m == nil {
		return []byte("{}"), nil
	}
	return t.m.MarshalJSON()
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	if t.m == nil {
		t.m = orderedmap.New[string, *Entry]()
	}
	return t.m.UnmarshalJSON(data)
}

// LoadBundle 读取 hw_all.json
func LoadBundle(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read homework bundle: %w", err)
	}
	tree := NewTree()
	if err := json.Unmarshal(data, tree); err != nil {
		return nil, fmt.Errorf("parse homework bundle %s: %w", path, err)
	}
	return tree, nil
}

// WriteBundle 以 4 空格缩进写出，保留非 ASCII 字符
func WriteBundle(path string, tree *Tree) error {
	raw, err := tree.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
