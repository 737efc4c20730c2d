package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/doctor"
)

func newValidateCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration, roster, and routing tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cfg, logger, cmd.OutOrStdout())
		},
	}
}

func runValidate(cfg *config.Config, logger *log.Logger, out io.Writer) error {
	doc, err := doctor.New(cfg, doctor.WithLogger(logger))
	if err != nil {
		return err
	}

	report := doc.Run()

	failed, warned := 0, 0
	for _, result := range report.Results {
		switch result.Status {
		case doctor.StatusFail:
			failed++
		case doctor.StatusWarn:
			warned++
		}
		fmt.Fprintf(out, "%-4s  %-22s %s\n", result.Status, result.Name, result.Detail)
	}
	fmt.Fprintf(out, "\n%d checks, %d failed, %d warnings\n", len(report.Results), failed, warned)

	if report.Failed() {
		return &ExitError{Code: 1}
	}
	return nil
}
