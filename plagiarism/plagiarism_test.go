package plagiarism

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ai-grader/homework"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestInferQuestion(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		count int
		want  int
	}{
		{"simple", "hw1.py", 4, 1},
		{"trailing text", "q3_final.py", 4, 3},
		{"last digit wins", "2024_hw2.py", 4, 2},
		{"out of range", "hw5.py", 4, 0},
		{"zero", "hw0.py", 4, 0},
		{"no digit", "main.py", 4, 0},
		{"not python", "hw1.txt", 4, 0},
		{"two digit run", "hw12.py", 12, 12},
		{"two digit run out of range", "hw13.py", 12, 0},
		{"single digit with many questions", "hw7_v.py", 12, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferQuestion(tt.file, tt.count))
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("abcd", "abcd"))
	assert.Equal(t, 0.75, Similarity("abcd", "abce"))
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	assert.Equal(t, 0.0, Similarity("", "abc"))
	assert.Equal(t, 1.0, Similarity("印出結果", "印出結果"))
}

func student(id, name string) homework.Student {
	return homework.Student{ID: id, Name: name}
}

func buildBundle() *homework.Tree {
	bundle := homework.NewTree()
	add := func(key, category, file, content string) {
		sub := bundle.Subtree(key)
		if _, ok := bundle.Get(key); !ok {
			bundle.SetDir(key, sub)
		}
		sub.Insert([]string{category, file}, content)
	}
	add("1101 王小明", "上課完成", "hw1.py", "print('hello world')\nx = 1\n")
	add("1101 王小明", "回家完成", "hw1_v2.py", "something else entirely")
	add("1101 王小明", "上課完成", "hw2.py", "for i in range(10):\n    print(i)\n")
	add("1102 李大華", "上課完成", "hw1.py", "print('hello world')\nx = 2\n")
	add("1102 李大華", "上課完成", "hw2.py", "while True:\n    break\n")
	add("1103 陳小美", "回家完成", "q1.py", "print('hello world')\nx = 1\n")
	// 子目录下的文件不参与比对
	lib := homework.NewTree()
	lib.SetFile("hw2.py", "for i in range(10):\n    print(i)\n")
	inClass := homework.NewTree()
	inClass.SetDir("lib", lib)
	bundle.Subtree("1103 陳小美").SetDir("上課完成", inClass)
	return bundle
}

func TestDetector_Check(t *testing.T) {
	roster := []homework.Student{student("1101", "王小明"), student("1102", "李大華"), student("1103", "陳小美"), student("1199", "缺交")}
	d, err := NewDetector(Options{QuestionCount: 2, Categories: []string{"上課完成", "回家完成"}, Threshold: 0.9}, quietLogger())
	require.NoError(t, err)

	cases := d.Check(buildBundle(), roster)
	require.Len(t, cases, 3)
	for _, c := range cases {
		assert.Equal(t, 1, c.Question)
	}

	assert.Equal(t, StudentRef{ID: "1101", Name: "王小明"}, cases[0].Student1)
	assert.Equal(t, StudentRef{ID: "1102", Name: "李大華"}, cases[0].Student2)
	assert.Equal(t, "hw1.py", cases[0].File1)

	// 1101 与 1103 内容完全相同
	assert.Equal(t, "1103", cases[1].Student2.ID)
	assert.Equal(t, "q1.py", cases[1].File2)
	assert.Equal(t, 100.0, cases[1].Similarity)
}

func TestDetector_CheckSkipsBlankRosterIDs(t *testing.T) {
	roster := []homework.Student{student("1101", "王小明"), student("1102", "李大華"), student("", "無學號"), student("  ", "空白")}
	d, err := NewDetector(Options{QuestionCount: 2, Categories: []string{"上課完成"}, Threshold: 0.9}, quietLogger())
	require.NoError(t, err)

	cases := d.Check(buildBundle(), roster)
	require.Len(t, cases, 1)
	assert.Equal(t, StudentRef{ID: "1101", Name: "王小明"}, cases[0].Student1)
	assert.Equal(t, StudentRef{ID: "1102", Name: "李大華"}, cases[0].Student2)
}

func TestNewDetector_Validation(t *testing.T) {
	_, err := NewDetector(Options{QuestionCount: 2}, nil)
	assert.ErrorIs(t, err, ErrNoCategories)
	_, err = NewDetector(Options{QuestionCount: 0, Categories: []string{"a"}}, nil)
	assert.ErrorIs(t, err, ErrNoQuestions)

	d, err := NewDetector(Options{QuestionCount: 1, Categories: []string{"a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, d.opts.Threshold)
}

func TestRenderReport(t *testing.T) {
	assert.Equal(t, "# 學生作業抄襲檢查報告\n\n未發現疑似抄襲的情況。\n", RenderReport(nil, 3))

	cases := []Case{
		{Question: 2, Student1: StudentRef{"1", "甲"}, Student2: StudentRef{"2", "乙"}, File1: "a2.py", File2: "b2.py", Similarity: 75},
		{Question: 1, Student1: StudentRef{"1", "甲"}, Student2: StudentRef{"3", UnknownStudent}, File1: "a1.py", File2: "c1.py", Similarity: 85.71},
		{Question: 2, Student1: StudentRef{"2", "乙"}, Student2: StudentRef{"3", "丙"}, File1: "b2.py", File2: "c2.py", Similarity: 90.5},
	}
	report := RenderReport(cases, 3)

	assert.True(t, strings.HasPrefix(report, "# 學生作業抄襲檢查報告\n\n共發現 3 組疑似抄襲的配對。\n\n## 第 1 題\n\n"))
	assert.Contains(t, report, "- 相似度: 85.71%\n  - 學生1: 1 甲  檔案: a1.py\n  - 學生2: 3 未知  檔案: c1.py\n\n")
	assert.NotContains(t, report, "## 第 3 題")
	assert.Less(t, strings.Index(report, "90.5%"), strings.Index(report, "75.0%"))

	dir := t.TempDir()
	path, err := WriteReport(filepath.Join(dir, "RUN"), cases, 3)
	require.NoError(t, err)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, report, string(b))
}
