package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/formflow/internal/config"
	"github.com/pitabwire/formflow/internal/definition"
)

// errInvalidDefinitions is returned when validation finds problems; the
// problems themselves have already been printed.
var errInvalidDefinitions = errors.New("workflow definitions are invalid")

type validateOptions struct {
	dirs   []string
	format string
}

type validateReport struct {
	Valid     bool                `json:"valid"`
	Files     int                 `json:"files"`
	Workflows int                 `json:"workflows"`
	Checksum  string              `json:"checksum,omitempty"`
	Errors    []definition.VError `json:"errors,omitempty"`
}

func newValidateCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate workflow definitions",
		Long: `Load every workflow definition file and run structural and referential
checks without starting the server. Directories come from --dir, or from
definitions.directories in the configuration file when --dir is not given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dirs := opts.dirs
			if len(dirs) == 0 {
				cfg, err := config.Load(rootOpts.configPath)
				if err != nil {
					return err
				}
				dirs = cfg.Definitions.Directories
			}
			return runValidate(cmd.OutOrStdout(), dirs, opts.format)
		},
	}
	cmd.Flags().StringSliceVar(&opts.dirs, "dir", nil, "definition directory (repeatable); overrides the configuration file")
	cmd.Flags().StringVar(&opts.format, "format", "text", "output format (text|json)")
	return cmd
}

func runValidate(out io.Writer, dirs []string, format string) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid format %q: must be text or json", format)
	}

	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}

	report := validateReport{
		Files:  len(files),
		Errors: definition.NewValidator().Validate(files),
	}
	report.Workflows = len(definition.Flatten(files))
	report.Valid = len(report.Errors) == 0
	if report.Valid {
		report.Checksum = definition.NewRegistry(files).Checksum()
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, ve := range report.Errors {
			fmt.Fprintf(out, "%s [%s] %s\n", ve.Path, ve.Code, ve.Message)
		}
		if report.Valid {
			fmt.Fprintf(out, "ok: %d workflow(s) in %d file(s), checksum %s\n", report.Workflows, report.Files, report.Checksum)
		} else {
			fmt.Fprintf(out, "%d error(s)\n", len(report.Errors))
		}
	}

	if !report.Valid {
		return errInvalidDefinitions
	}
	return nil
}
