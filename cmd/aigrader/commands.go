package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"ai-grader/core"
	"ai-grader/homework"
	"ai-grader/models"
	"ai-grader/workflow"

	"github.com/spf13/cobra"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect student *.py files into hw_all.json",
	Long: `Walk each category directory, find every student's folder ("<id> <name>...")
and write all *.py files into a single ordered JSON bundle.`,
	RunE: runCollect,
}

var convertCmd = &cobra.Command{
	Use:   "convert <pdf>...",
	Short: "Convert assignment PDFs to Markdown",
	Long:  `Convert PDFs to Markdown with Gemini. A single PDF is written to <knowledge>/questions.md.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConvert,
}

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade every student in hw_all.json",
	RunE:  runGrade,
}

var plagiarismCmd = &cobra.Command{
	Use:   "plagiarism",
	Short: "Compare submissions pairwise and write plagiarism_report.md",
	RunE:  runPlagiarism,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys stored in the database",
}

var keysAddCmd = &cobra.Command{
	Use:   "add <api-key>",
	Short: "Store an API key, AES-GCM encrypted (requires credentials.secret_key)",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysAdd,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored API keys (masked)",
	RunE:  runKeysList,
}

func init() {
	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysListCmd)

	// collect flags
	collectCmd.Flags().StringSlice("dirs", nil, "Homework directories, one per category (default: collect.dirs)")
	collectCmd.Flags().StringSlice("categories", nil, "Category labels (default: grading.categories)")
	collectCmd.Flags().String("students", "", "Student roster JSON (default: <knowledge>/students_data.json)")
	collectCmd.Flags().StringP("output", "o", "", "Output directory (default: paths.output_dir)")

	// convert flags
	convertCmd.Flags().StringP("output", "o", "", "Output directory (default: paths.knowledge_dir)")

	// grade flags
	gradeCmd.Flags().String("questions", "", "Questions Markdown")
	gradeCmd.Flags().String("criteria", "", "Grading criteria Markdown")
	gradeCmd.Flags().String("format", "", "Output format description")
	gradeCmd.Flags().String("homework", "", "Homework bundle (default: <output>/hw_all.json)")
	gradeCmd.Flags().String("students", "", "Student roster JSON")
	gradeCmd.Flags().IntP("questions-count", "n", 0, "Number of questions (default: counted from questions.md)")
	gradeCmd.Flags().StringP("output", "o", "", "Output directory (default: paths.output_dir)")

	// plagiarism flags
	plagiarismCmd.Flags().String("homework", "", "Homework bundle (default: <output>/hw_all.json)")
	plagiarismCmd.Flags().String("students", "", "Student roster JSON")
	plagiarismCmd.Flags().String("questions", "", "Questions Markdown used to count questions")
	plagiarismCmd.Flags().IntP("questions-count", "n", 0, "Number of questions (default: counted from questions.md)")
	plagiarismCmd.Flags().StringSlice("categories", nil, "Categories to compare (default: grading.categories)")
	plagiarismCmd.Flags().Float64("threshold", 0, "Similarity threshold in (0, 1] (default: plagiarism.threshold)")
	plagiarismCmd.Flags().StringP("output", "o", "", "Output directory (default: paths.output_dir)")

	// keys flags
	keysAddCmd.Flags().String("label", "", "Label shown in 'keys list'")
}

// signalContext Ctrl+C 取消当前工作流 (包括等待中的重试)
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCollect(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	dirs, _ := cmd.Flags().GetStringSlice("dirs")
	if len(dirs) == 0 {
		dirs = a.cfg.Collect.Dirs
	}
	labels, _ := cmd.Flags().GetStringSlice("categories")
	if len(labels) == 0 {
		labels = a.cfg.Grading.Categories
	}
	if len(dirs) == 0 {
		return &core.ConfigurationError{Reason: "no homework directories given (--dirs or collect.dirs)"}
	}
	studentsPath, _ := cmd.Flags().GetString("students")
	if studentsPath == "" {
		studentsPath = a.cfg.KnowledgeFile(workflow.StudentsFile)
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = a.cfg.Paths.OutputDir
	}

	students, err := homework.LoadRoster(studentsPath)
	if err != nil {
		return err
	}
	bundle, err := homework.Collect(students, homework.PairSources(labels, dirs), a.log)
	if err != nil {
		return err
	}
	path := filepath.Join(output, workflow.BundleFile)
	if err := homework.WriteBundle(path, bundle); err != nil {
		return err
	}
	a.log.WithField("students", bundle.Len()).Infof("Homework bundle written to %s", path)
	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	output, _ := cmd.Flags().GetString("output")
	job := workflow.ConversionJob(a.manager.Settings(), workflow.ConversionParams{Documents: args, OutputDir: output})
	return runJob(a, job)
}

func runGrade(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	var p workflow.GradingParams
	p.QuestionsPath, _ = cmd.Flags().GetString("questions")
	p.GradingCriteriaPath, _ = cmd.Flags().GetString("criteria")
	p.OutputFormatPath, _ = cmd.Flags().GetString("format")
	p.HomeworkDataPath, _ = cmd.Flags().GetString("homework")
	p.StudentsDataPath, _ = cmd.Flags().GetString("students")
	p.QuestionCount, _ = cmd.Flags().GetInt("questions-count")
	p.OutputDir, _ = cmd.Flags().GetString("output")
	return runJob(a, workflow.GradingJob(a.manager.Settings(), p))
}

func runPlagiarism(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	var p workflow.PlagiarismParams
	p.HomeworkDataPath, _ = cmd.Flags().GetString("homework")
	p.StudentsDataPath, _ = cmd.Flags().GetString("students")
	p.QuestionsPath, _ = cmd.Flags().GetString("questions")
	p.QuestionCount, _ = cmd.Flags().GetInt("questions-count")
	p.Categories, _ = cmd.Flags().GetStringSlice("categories")
	p.Threshold, _ = cmd.Flags().GetFloat64("threshold")
	p.OutputDir, _ = cmd.Flags().GetString("output")
	if p.Threshold < 0 || p.Threshold > 1 {
		return &core.ConfigurationError{Reason: fmt.Sprintf("--threshold must be in (0, 1], got %v", p.Threshold)}
	}
	return runJob(a, workflow.PlagiarismJob(a.manager.Settings(), p))
}

func runJob(a *app, job workflow.Job) error {
	ctx, cancel := signalContext()
	defer cancel()

	run, err := a.manager.Run(ctx, job)
	if run != nil {
		fmt.Printf("%s run %s: %s (completed %d, skipped %d)\n", run.Kind, run.ID, run.Status, run.Completed, run.Skipped)
		if run.Summary != "" {
			fmt.Println(run.Summary)
		}
	}
	return err
}

func runKeysAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Credentials.SecretKey == "" {
		return &core.ConfigurationError{Reason: "set credentials.secret_key (16, 24 or 32 bytes) before adding keys", Err: core.ErrSecretKeyRequired}
	}
	label, _ := cmd.Flags().GetString("label")
	row, err := core.StoreCredential(a.db, a.secrets, label, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Stored key #%d %s\n", row.Position, models.MaskAPIKey(args[0]))
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	var rows []models.StoredCredential
	if err := a.db.Order("position ASC").Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No stored keys.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tLABEL\tKEY")
	for _, row := range rows {
		masked := "(unreadable)"
		if plain, err := a.secrets.Decrypt(row.KeyValue); err == nil {
			masked = models.MaskAPIKey(plain)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", row.Position, row.Label, masked)
	}
	return w.Flush()
}
