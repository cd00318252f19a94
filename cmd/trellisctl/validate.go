package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trellishq/trellis/common/models"
	"github.com/trellishq/trellis/common/validation"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>",
		Short: "Validate a workflow definition file without saving it",
		Long:  "Runs the full structural rule set over a JSON or YAML workflow definition and prints every error and warning found.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}

			validator := validation.NewValidator(validation.NewTypeRegistry())
			result := validator.Validate(def)

			out := cmd.OutOrStdout()
			for _, msg := range result.Errors {
				fmt.Fprintf(out, "error: %s\n", msg)
			}
			for _, msg := range result.Warnings {
				fmt.Fprintf(out, "warning: %s\n", msg)
			}
			for _, msg := range result.Infos {
				fmt.Fprintf(out, "info: %s\n", msg)
			}

			if !result.Valid {
				return fmt.Errorf("definition is invalid (%d errors)", len(result.Errors))
			}
			fmt.Fprintf(out, "definition is valid (%d nodes, %d edges)\n", len(def.Nodes), len(def.Edges))
			return nil
		},
	}
}

// loadDefinition reads a definition from a JSON or YAML file. YAML input is
// round-tripped through JSON so the model's struct tags apply to both.
func loadDefinition(path string) (*models.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML definition: %w", err)
		}
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML definition: %w", err)
		}
	}

	var def models.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	return &def, nil
}
