package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Jawbreaker1/EvidenceBot/internal/events"
	"github.com/Jawbreaker1/EvidenceBot/internal/harness"
	"github.com/Jawbreaker1/EvidenceBot/internal/session"
)

var (
	tasksFile string
	parallel  int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "run a file of tasks as independent concurrent runs",
	Long: `Reads a YAML file of tasks and executes each as its own run with its own
run directory and ledgers. Runs share only the event sink, which serializes
appends. A run-level hard failure cancels the remaining runs.`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVar(&tasksFile, "tasks", "tasks.yaml", "YAML file with a tasks list")
	batchCmd.Flags().IntVar(&parallel, "parallel", 2, "maximum concurrent runs")
}

type batchTask struct {
	ID   string `yaml:"id"`
	Task string `yaml:"task"`
}

type batchSpec struct {
	Tasks []batchTask `yaml:"tasks"`
}

// readTasks parses the batch file, dropping empty entries and assigning ids
// where the file has none.
func readTasks(path string) ([]batchTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var spec batchSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}
	var tasks []batchTask
	for i, t := range spec.Tasks {
		t.Task = strings.TrimSpace(t.Task)
		if t.Task == "" {
			continue
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%02d", i+1)
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("tasks file %s has no tasks", path)
	}
	return tasks, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	tasks, err := readTasks(tasksFile)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if parallel < 1 {
		parallel = 1
	}

	sinkPath := cfg.Events.Path
	if sinkPath == "" {
		sinkPath = filepath.Join(cfg.Session.Dir, "events.jsonl")
	}
	if err := os.MkdirAll(filepath.Dir(sinkPath), 0o755); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}
	sink, err := events.NewSink(sinkPath)
	if err != nil {
		return fmt.Errorf("open event sink: %w", err)
	}

	var mu sync.Mutex
	reports := make([]session.Report, 0, len(tasks))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(parallel)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			runID := t.ID + "-" + session.NewID()
			runner, err := harness.New(cfg, t.Task, runID, harness.Deps{Sink: sink, Logger: logger})
			if err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
			report, err := runner.Run(ctx)
			if err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
			logger.Info("batch run finished",
				zap.String("task_id", t.ID),
				zap.String("status", report.Status),
				zap.Int("score", report.Score))
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, report := range reports {
		fmt.Printf("%-40s %-12s score=%d steps=%d\n", report.RunID, report.Status, report.Score, report.Steps)
	}
	return nil
}
