package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Jawbreaker1/EvidenceBot/internal/config"
	"github.com/Jawbreaker1/EvidenceBot/internal/harness"
	"github.com/Jawbreaker1/EvidenceBot/internal/session"
)

const version = "0.1.0"

var (
	verbose bool
	cfgPath string
	profile string

	taskText     string
	taskFile     string
	workDir      string
	modelBaseURL string
	modelName    string
	temperature  float32
	maxSteps     int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "evidencebot",
	Short: "evidence-grounded research agent harness",
	Long: `evidencebot runs a language model against open-ended research tasks in a
controlled shell sandbox. Every claim must trace to an append-only evidence
ledger, a policy engine redirects unproductive behavior, and an adversarial
verifier audits answers before a run may resolve.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "execute one research task to a terminal status",
	RunE:  runOne,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evidencebot %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default config/default.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "named config profile layered over the default")

	runCmd.Flags().StringVar(&taskText, "task", "", "task text")
	runCmd.Flags().StringVar(&taskFile, "task-file", "", "file containing the task text")
	runCmd.Flags().StringVar(&workDir, "work-dir", "", "shell working directory root")
	runCmd.Flags().StringVar(&modelBaseURL, "model-base-url", "", "OpenAI-compatible server base URL")
	runCmd.Flags().StringVar(&modelName, "model", "", "model name")
	runCmd.Flags().Float32Var(&temperature, "temperature", 0.2, "worker sampling temperature")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step budget override")

	rootCmd.AddCommand(runCmd, batchCmd, countersCmd, versionCmd)
}

// loadConfig layers the default file, an optional profile, and the CLI
// overrides over the built-in defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	defaultPath := cfgPath
	if defaultPath == "" {
		// The implicit default file is optional; an explicit --config is not.
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			defaultPath = config.DefaultPath()
		}
	}
	profilePath := ""
	if profile != "" {
		profilePath = config.ProfilePath(profile)
	}
	cfg, layers, err := config.Load(defaultPath, profilePath, "")
	if err != nil {
		return config.Config{}, err
	}
	if len(layers) > 0 {
		logger.Debug("config layered", zap.Strings("files", layers))
	}
	flags := cmd.Flags()
	if modelBaseURL != "" {
		cfg.LLM.BaseURL = modelBaseURL
	}
	if modelName != "" {
		cfg.LLM.Model = modelName
	}
	if flags.Changed("temperature") {
		cfg.LLM.Temperature = &temperature
	}
	if maxSteps > 0 {
		cfg.Budgets.MaxSteps = maxSteps
	}
	if workDir != "" {
		cfg.Backend.WorkDir = workDir
	}
	return cfg, nil
}

// resolveTask picks the task text from --task or --task-file.
func resolveTask(text, file string) (string, error) {
	text = strings.TrimSpace(text)
	if text != "" && file != "" {
		return "", fmt.Errorf("--task and --task-file are mutually exclusive")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read task file: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return "", fmt.Errorf("a task is required (--task or --task-file)")
	}
	return text, nil
}

func runOne(cmd *cobra.Command, args []string) error {
	task, err := resolveTask(taskText, taskFile)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	runID := session.NewID()
	runner, err := harness.New(cfg, task, runID, harness.Deps{Logger: logger})
	if err != nil {
		return err
	}
	report, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}
	printReport(report, runner.Layout().Dir)
	return nil
}

func printReport(report session.Report, dir string) {
	fmt.Printf("run %s: %s", report.RunID, report.Status)
	if report.Reason != "" {
		fmt.Printf(" (%s)", report.Reason)
	}
	fmt.Println()
	if report.Answer != "" {
		fmt.Printf("answer: %s\n", report.Answer)
	}
	fmt.Printf("steps=%d tool_calls=%d evidence=%d verifier_rounds=%d score=%d\n",
		report.Steps, report.ToolCalls, report.EvidenceCount, report.VerifierRounds, report.Score)
	fmt.Printf("artifacts: %s\n", dir)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
