package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AltairaLabs/nma-pipeline/internal/dataset"
	"github.com/AltairaLabs/nma-pipeline/internal/format"
	"github.com/AltairaLabs/nma-pipeline/internal/logging"
	"github.com/AltairaLabs/nma-pipeline/internal/pipeline"
	"github.com/AltairaLabs/nma-pipeline/internal/snapshot"
)

const runSessionID = "cli"

var (
	runDemo     int
	runLoad     string
	runSave     string
	runNoCommit bool
	runMarkdown bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once on a demo dataset or a saved project",
	Long: `Uploads the demo dataset (--demo N) or loads a project document (--load),
waits for every stage, prints the stage table and commits the results.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runDemo, "demo", 0, "Upload the demo dataset with N outcomes")
	runCmd.Flags().StringVar(&runLoad, "load", "", "Load a saved project document")
	runCmd.Flags().StringVar(&runSave, "save", "", "Write the project document here when done")
	runCmd.Flags().BoolVar(&runNoCommit, "no-commit", false, "Leave the results uncommitted")
	runCmd.Flags().BoolVar(&runMarkdown, "markdown", false, "Print the stage table as Markdown")
	runCmd.MarkFlagsMutuallyExclusive("demo", "load")
	runCmd.MarkFlagsOneRequired("demo", "load")
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runLoad == "" && (runDemo < 1 || runDemo > dataset.MaxOutcomes) {
		return fmt.Errorf("--demo must be between 1 and %d", dataset.MaxOutcomes)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New("run")
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	p, err := a.host.Get(ctx, runSessionID)
	if err != nil {
		return err
	}
	if err := seed(ctx, p); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, cfg.Pipeline.StageTimeout*5)
	defer cancel()
	if err := p.WaitIdle(wctx); err != nil {
		return fmt.Errorf("waiting for stages: %w", err)
	}

	if !runNoCommit {
		if err := p.Commit(ctx); err != nil && !errors.Is(err, pipeline.ErrNotReady) {
			return err
		}
	}

	mode := format.ASCII
	if runMarkdown {
		mode = format.Markdown
	}
	fmt.Fprintln(cmd.OutOrStdout(), format.StatusTable(p.Status(), mode))

	if runSave != "" {
		if err := saveProject(p, runSave); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved project to %s\n", runSave)
	}
	if errs := p.Errors(); len(errs) > 0 {
		return fmt.Errorf("%d stage(s) failed", len(errs))
	}
	return nil
}

func seed(ctx context.Context, p *pipeline.Pipeline) error {
	if runLoad == "" {
		_, err := p.Upload(ctx, dataset.Demo(runDemo))
		return err
	}
	f, err := os.Open(runLoad)
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := snapshot.Read(f)
	if err != nil {
		return err
	}
	_, err = p.Load(ctx, doc)
	return err
}

func saveProject(p *pipeline.Pipeline, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := snapshot.Write(f, p.Save()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
