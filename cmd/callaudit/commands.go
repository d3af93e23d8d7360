package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/callaudit/internal/db"
	"github.com/banshee-data/callaudit/internal/importer"
	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/security"
	"github.com/banshee-data/callaudit/internal/version"
	"github.com/banshee-data/callaudit/internal/workflow"
)

func newMigrateCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "migrate <" + strings.Join(db.MigrateActions, "|") + "> [version]",
		Short: "Inspect or change the database schema version",
		Long: `Run schema migrations against the database without starting the server.

  up              apply all pending migrations
  down            roll back one migration
  status          show current and latest versions
  version <n>     migrate up or down to version n
  force <n> --yes mark version n as clean after a failed migration`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 2 {
				arg = args[1]
			}
			return db.RunMigrateCommand(cmd.OutOrStdout(), viper.GetString("db"), args[0], arg, yes)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm a forced version change")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle-dir>",
		Short: "Load task items and transcript contexts from a bundle directory",
		Long: `Import reads <bundle-dir>/task_items/*.jsonl and
<bundle-dir>/transcript_contexts/*.json. Items already present are left
untouched, so an import can be re-run safely.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, _, _, err := openService(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			res, err := importer.ImportBundle(ctx, database, args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d transcripts, %d task items (%d new)\n", res.Docs, res.Items, res.Inserted)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		task        string
		scope       string
		includeTest bool
		outDir      string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a CSV export for one task type",
		Long: `Export writes {task}__{scope}.csv into --out, or to stdout when --out is "-".

Scopes: single, double, adjudicated, all_annotations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := labels.Parse(task)
			if err != nil {
				return err
			}
			sc, err := workflow.ParseScope(scope)
			if err != nil {
				return err
			}
			req := workflow.ExportRequest{TaskType: tt, Scope: sc, IncludeTest: includeTest}

			ctx := cmd.Context()
			database, svc, _, err := openService(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			if outDir == "-" {
				_, err := svc.Export(ctx, req, cmd.OutOrStdout())
				return err
			}
			return exportToFile(ctx, cmd.OutOrStdout(), svc, req, outDir)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task type to export (required)")
	cmd.Flags().StringVar(&scope, "scope", string(workflow.ScopeAdjudicated), "export scope")
	cmd.Flags().BoolVar(&includeTest, "include-test", false, "include test-mode annotations")
	cmd.Flags().StringVar(&outDir, "out", ".", `output directory, or "-" for stdout`)
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// exportToFile writes req into dir. The final file name only appears once
// the CSV is complete.
func exportToFile(ctx context.Context, out io.Writer, svc *workflow.Service, req workflow.ExportRequest, dir string) error {
	path, err := security.JoinWithin(dir, security.SanitizeFilename(req.Filename()))
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".export-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := svc.Export(ctx, req, tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d rows to %s\n", n, filepath.Clean(path))
	return nil
}

func newAutoFillCmd() *cobra.Command {
	var (
		task string
		user string
	)
	cmd := &cobra.Command{
		Use:   "autofill",
		Short: "Adjudicate every double-annotated sample whose annotators agree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			database, svc, _, err := openService(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			sess := workflow.Session{UserID: user, Mode: labels.ModeAdjudicator}
			n, err := svc.AutoFill(ctx, sess, labels.TaskType(task))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto-filled %d samples\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task type to fill (default: all)")
	cmd.Flags().StringVar(&user, "user", "", "adjudicator user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
