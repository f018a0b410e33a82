package homework

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestTree_PreservesInsertionOrder(t *testing.T) {
	tree := NewTree()
	tree.Insert([]string{"z.py"}, "z")
	tree.Insert([]string{"pkg", "b.py"}, "b")
	tree.Insert([]string{"a.py"}, "a")
	tree.Insert([]string{"pkg", "a.py"}, "pa")

	raw, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.Equal(t, `{"z.py":"z","pkg":{"b.py":"b","a.py":"pa"},"a.py":"a"}`, string(raw))

	var back Tree
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []string{"z.py", "pkg", "a.py"}, back.Keys())
	assert.Equal(t, []File{
		{Path: "z.py", Content: "z"},
		{Path: "pkg/b.py", Content: "b"},
		{Path: "pkg/a.py", Content: "pa"},
		{Path: "a.py", Content: "a"},
	}, back.Files())
}

func TestLoadRoster_NumericIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "students_data.json")
	writeFile(t, path, `[{"id": 1101, "name": "王小明"}, {"id": "A002", "name": "李大華"}]`)

	students, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, []Student{{ID: "1101", Name: "王小明"}, {ID: "A002", Name: "李大華"}}, students)
	assert.Equal(t, "1101 王小明", students[0].Key())

	_, err = LoadRoster(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCollect(t *testing.T) {
	root := t.TempDir()
	inClass := filepath.Join(root, "in-class")
	atHome := filepath.Join(root, "at-home")

	writeFile(t, filepath.Join(inClass, "1101 王小明_submission", "hw1.py"), "print(1)")
	writeFile(t, filepath.Join(inClass, "1101 王小明_submission", "lib", "util.py"), "def f(): pass")
	writeFile(t, filepath.Join(inClass, "1101 王小明_submission", "notes.txt"), "ignored")
	// 名称排序靠后的目录不会被使用
	writeFile(t, filepath.Join(inClass, "1101 王小明_z_late", "hw1.py"), "late")
	writeFile(t, filepath.Join(atHome, "1101\t王小明", "hw2.py"), "print(2)")
	// 目录存在但没有 .py
	writeFile(t, filepath.Join(atHome, "A002 李大華", "readme.md"), "#")

	students := []Student{{ID: "1101", Name: "王小明"}, {ID: "A002", Name: "李大華"}}
	sources := PairSources([]string{"上課完成", "回家完成", "補交"}, []string{inClass, atHome})

	bundle, err := Collect(students, sources, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"1101 王小明", "A002 李大華"}, bundle.Keys())

	first := bundle.Subtree("1101 王小明")
	assert.Equal(t, []string{"上課完成", "回家完成", "補交"}, first.Keys())
	assert.Equal(t, []File{
		{Path: "hw1.py", Content: "print(1)"},
		{Path: "lib/util.py", Content: "def f(): pass"},
	}, first.Subtree("上課完成").Files())
	assert.Equal(t, []File{{Path: "hw2.py", Content: "print(2)"}}, first.Subtree("回家完成").Files())
	assert.Equal(t, 0, first.Subtree("補交").Len())

	second := bundle.Subtree("A002 李大華")
	assert.Equal(t, 0, second.Subtree("回家完成").Len())

	out := filepath.Join(root, "RUN", "hw_all.json")
	require.NoError(t, WriteBundle(out, bundle))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "{\n    \"1101 王小明\": {"))
	assert.Contains(t, string(raw), `"補交": {}`)

	reloaded, err := LoadBundle(out)
	require.NoError(t, err)
	assert.Equal(t, bundle.Keys(), reloaded.Keys())
}

func TestCollect_MissingBaseDir(t *testing.T) {
	_, err := Collect([]Student{{ID: "1", Name: "x"}}, []Source{{Label: "a", Dir: filepath.Join(t.TempDir(), "nope")}}, nil)
	assert.Error(t, err)
}
