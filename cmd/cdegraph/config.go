package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/cdegraph/internal/config"
	"github.com/rohankatakam/cdegraph/internal/errors"
)

var keyProvider string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Prints the merged configuration (defaults, config file, environment and
keychain) with secrets masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.Redacted().YAML()
		if err != nil {
			return errors.InternalErrorf("render config: %v", err)
		}
		w := cmd.OutOrStdout()
		if cfg.File != "" {
			fmt.Fprintf(w, "# config file: %s\n", cfg.File)
		} else {
			fmt.Fprintln(w, "# config file: none (defaults and environment)")
		}
		fmt.Fprintf(w, "# embedding key source: %s\n", keySource())
		_, err = w.Write(data)
		return err
	},
}

var setKeyCmd = &cobra.Command{
	Use:   "set-key",
	Short: "Store an embedding provider API key in the OS keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := providerFlag()
		key, err := config.ReadSecret(os.Stdin, cmd.ErrOrStderr(), fmt.Sprintf("%s API key: ", provider))
		if err != nil {
			return errors.ConfigErrorf("read API key: %v", err)
		}
		km := config.NewKeyringManager(logger.Logger)
		if err := config.StoreAPIKey(km, provider, key); err != nil {
			return errors.ConfigErrorf("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s API key to the %s keychain entry (%s)\n",
			provider, config.KeyringService, config.MaskSecret(key))
		return nil
	},
}

var deleteKeyCmd = &cobra.Command{
	Use:   "delete-key",
	Short: "Remove an embedding provider API key from the OS keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := providerFlag()
		km := config.NewKeyringManager(logger.Logger)
		if err := km.DeleteAPIKey(provider); err != nil {
			return errors.ConfigErrorf("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s API key\n", provider)
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "cdegraph.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return errors.ConfigErrorf("%s already exists", path)
		}
		if err := config.Default().Save(path); err != nil {
			return errors.ConfigErrorf("write %s: %v", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func providerFlag() string {
	if keyProvider != "" {
		return keyProvider
	}
	return cfg.Embedding.Provider
}

func keySource() string {
	if cfg.Embedding.KeySource == "" {
		return "none"
	}
	return cfg.Embedding.KeySource
}

func init() {
	for _, c := range []*cobra.Command{setKeyCmd, deleteKeyCmd} {
		c.Flags().StringVar(&keyProvider, "provider", "", "embedding provider (default from config)")
	}
	configCmd.AddCommand(setKeyCmd, deleteKeyCmd, initConfigCmd)
}
