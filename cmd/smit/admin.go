package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/goeb/smit/internal/database"
	"github.com/goeb/smit/internal/project"
	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/syncengine"
	"github.com/goeb/smit/internal/ui"
)

var (
	initConfigFlag string
	receiveRoot    string
)

var initCmd = &cobra.Command{
	Use:   "init <root> <project>",
	Short: "Create a project in a repository root",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, name := args[0], args[1]
		var cfg *projectconfig.Config
		if initConfigFlag != "" {
			data, err := os.ReadFile(initConfigFlag) // #nosec G304 -- path given on the command line
			if err != nil {
				return err
			}
			if cfg, err = projectconfig.Parse(data); err != nil {
				return fmt.Errorf("%s: %w", initConfigFlag, err)
			}
		}
		if err := os.MkdirAll(root, 0o750); err != nil {
			return err
		}

		db := newDatabase()
		if err := db.LoadProjects(rootCtx, root, true); err != nil {
			logger.Warn("some projects failed to load", "error", err)
		}
		p, err := db.CreateProject(rootCtx, name, cfg, settings.Actor)
		if err != nil {
			return err
		}
		fmt.Printf("%s created project %s in %s\n", ui.RenderPassIcon(), ui.RenderAccent(p.Name()), p.Dir())
		return nil
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive <projectdir>",
	Short: "Turn pushed incoming issues into issue branches (server hook)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		// Global numbering needs every project of the root loaded.
		root := dir
		if receiveRoot != "" {
			if root, err = filepath.Abs(receiveRoot); err != nil {
				return err
			}
		}
		db := newDatabase()
		if err := db.LoadProjects(rootCtx, root, root != dir); err != nil {
			logger.Warn("some projects failed to load", "error", err)
		}
		p, err := db.Project(database.ProjectName(db.Root(), dir))
		if err != nil {
			return err
		}
		n, err := syncengine.ReceiveLocked(rootCtx, p, settings.LockTimeout, logger)
		if n > 0 {
			printReport(os.Stdout, "receive", &syncengine.Report{Projects: 1, Received: n})
		}
		return err
	},
}

func init() {
	initCmd.Flags().StringVar(&initConfigFlag, "config", "", "Project configuration (YAML) to start from")
	receiveCmd.Flags().StringVar(&receiveRoot, "root", "", "Repository root holding the project (default: the project itself)")
	rootCmd.AddCommand(initCmd, receiveCmd)
}

func newDatabase() *database.Database {
	return database.New(newDriver(), database.Options{
		Logger:      logger,
		Concurrency: settings.LoadConcurrency,
		Project: project.Options{
			EditDelay:     settings.EditDelay,
			MaxUploadSize: settings.MaxUploadSize,
		},
	})
}
