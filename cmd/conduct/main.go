package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/substratumlabs/conduct/pkg/engine"
	"github.com/substratumlabs/conduct/pkg/prompt"
	"github.com/substratumlabs/conduct/pkg/workflow"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "conduct",
	Short:   "Resumable workflow execution engine",
	Long:    "conduct — drives multi-step, long-running, human-in-the-loop or autonomous workflows with crash-safe state persistence.",
	Version: version,
}

var (
	flagYolo     bool
	flagNoInput  bool
	flagVerbose  bool
	flagRoot     string
	flagStateDir string
	flagVars     []string
)

func init() {
	runCmd.Flags().BoolVar(&flagYolo, "yolo", false, "autonomous mode: skip optional steps and ask actions, auto-approve outputs")
	runCmd.Flags().BoolVar(&flagNoInput, "no-input", false, "answer prompts automatically without a terminal")
	runCmd.Flags().StringSliceVar(&flagVars, "var", nil, "seed variable as key=value (repeatable)")
	resumeCmd.Flags().BoolVar(&flagYolo, "yolo", false, "autonomous mode: skip optional steps and ask actions, auto-approve outputs")
	resumeCmd.Flags().BoolVar(&flagNoInput, "no-input", false, "answer prompts automatically without a terminal")

	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().StringVar(&flagRoot, "root", ".", "root for relative file predicates and nested workflow references")
		c.Flags().StringVar(&flagStateDir, "state-dir", ".conduct/state", "directory for persisted run state")
	}
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, resumeCmd, validateCmd, schemaCmd)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run [workflow.yaml]",
	Short: "Execute a workflow definition from the beginning",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := loadValidated(args[0])
	if err != nil {
		return err
	}

	eng, closeFn, err := buildEngine(def)
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Printf("▶ Running workflow %q (%d steps)\n", def.ID, len(def.Steps))
	runErr := eng.Execute(cmd.Context())
	report(eng)
	return runErr
}

// --- resume ---

var resumeCmd = &cobra.Command{
	Use:   "resume [workflow.yaml]",
	Short: "Resume a workflow from its persisted run state",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	def, err := loadValidated(args[0])
	if err != nil {
		return err
	}

	store := engine.FileStore{Dir: flagStateDir}
	state, err := store.Load(def.ID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return fmt.Errorf("no persisted state for workflow %q — start it with: conduct run %s", def.ID, args[0])
		}
		return err
	}

	eng, closeFn, err := buildEngine(def)
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Printf("▶ Resuming workflow %q at step %d\n", def.ID, state.CurrentStepIndex)
	runErr := eng.Resume(cmd.Context(), state)
	report(eng)
	return runErr
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [workflow.yaml]",
	Short: "Validate a workflow definition against the schema and domain rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, errs := workflow.ValidateFile(args[0])
		if len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(os.Stderr, "  ✗ %v\n", e)
			}
			return fmt.Errorf("%s: %d validation error(s)", args[0], len(errs))
		}
		fmt.Printf("✓ %s is valid\n", args[0])
		return nil
	},
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the workflow definition JSON Schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := workflow.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

// loadValidated loads a definition and refuses to run one that fails
// validation — parse-time problems abort before any execution begins.
func loadValidated(path string) (*workflow.Definition, error) {
	def, errs := workflow.ValidateFile(path)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  ✗ %v\n", e)
		}
		return nil, fmt.Errorf("%s: %d validation error(s)", path, len(errs))
	}
	return def, nil
}

// buildEngine assembles the engine with its collaborators from flags.
func buildEngine(def *workflow.Definition) (*engine.Engine, func(), error) {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var prompter prompt.Prompter
	closeFn := func() {}
	if flagYolo || flagNoInput {
		prompter = prompt.Auto{}
	} else {
		console, err := prompt.NewConsole()
		if err != nil {
			return nil, nil, err
		}
		prompter = console
		closeFn = func() { console.Close() }
	}

	defaults, err := parseVarFlags(flagVars)
	if err != nil {
		return nil, nil, err
	}

	eng := engine.New(def, workflow.FileLoader{Root: flagRoot}, engine.FileStore{Dir: flagStateDir}, engine.Options{
		Autonomous: flagYolo,
		Root:       flagRoot,
		Defaults:   defaults,
		Prompter:   prompter,
		Logger:     logger,
	})
	return eng, closeFn, nil
}

// parseVarFlags turns --var key=value flags into seed bindings. Dotted
// keys build nested maps so {{ a.b }} tokens can address them.
func parseVarFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("--var %q: expected key=value", pair)
		}
		setPath(out, strings.Split(key, "."), value)
	}
	return out, nil
}

func setPath(m map[string]any, segments []string, value string) {
	if len(segments) == 1 {
		m[segments[0]] = value
		return
	}
	child, ok := m[segments[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		m[segments[0]] = child
	}
	setPath(child, segments[1:], value)
}

// report prints the terminal state and writes the run manifest next to
// the persisted state.
func report(eng *engine.Engine) {
	state := eng.State()
	if state == nil {
		return
	}
	switch state.Status {
	case engine.StatusCompleted:
		fmt.Printf("✓ Workflow completed (%d executed, %d skipped)\n", state.Summary.Executed, state.Summary.Skipped)
	case engine.StatusPaused:
		fmt.Printf("⏸ Workflow paused at step %d — resume with: conduct resume\n", state.CurrentStepIndex)
	case engine.StatusError:
		fmt.Printf("✗ Workflow failed at step %d — fix the cause and resume from the same point\n", state.CurrentStepIndex)
	}

	manifest := eng.BuildManifest()
	data, err := yaml.Marshal(manifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  warning: marshal manifest: %v\n", err)
		return
	}
	path := flagStateDir + "/last-run.yaml"
	if err := os.WriteFile(path, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "  warning: write manifest: %v\n", err)
	}
}
