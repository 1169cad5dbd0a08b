package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"copyflow/internal/gateway/config"
	"copyflow/internal/logging"
	"copyflow/internal/pipelineerr"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "copyflow",
		Short: "Multi-phase copy generation pipeline",
		Long: `copyflow turns raw notes into finished marketing copy: it extracts facts,
asks for what is missing, writes a draft under the content type's rules and
gates it through a critic and a deterministic validator.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (defaults and COPYFLOW_* env apply)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newResumeCmd(opts),
		newValidateCmd(),
		newRulesCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if lvl := strings.TrimSpace(o.logLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// readYAML decodes a YAML (or JSON) file into v. "-" reads stdin.
func readYAML(path string, v any) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// exitCode is 2 for input the caller has to fix, 1 otherwise.
func exitCode(err error) int {
	var verr *pipelineerr.ValidationError
	if errors.As(err, &verr) {
		return 2
	}
	return 1
}
