package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-anime-cache/config"
	"github.com/saiset-co/sai-anime-cache/types"
)

const redacted = "<redacted>"

var secretKeys = []string{"token", "secret", "password"}

// newConfigCmd inspects a config file offline: check loads and validates
// it, get prints the effective value at a dotted path.
func newConfigCmd() *cobra.Command {
	var (
		configPath  string
		showSecrets bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or inspect a config file.",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file, defaults applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := config.NewConfigurationManager(context.Background(), configPath)
			if err != nil {
				return err
			}

			var upstreams map[string]*types.UpstreamConfig
			if err := cm.GetAs("upstreams", &upstreams); err != nil {
				return err
			}

			cfg := cm.GetConfig()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s, %d upstream(s), storage %s\n",
				configPath, cfg.Name, cfg.Version, len(upstreams), cm.GetValue("storage.type", "none"))
			return err
		},
	}

	get := &cobra.Command{
		Use:   "get [path]",
		Short: "Print the effective value at a dotted path, e.g. upstreams.jikan.min_delay.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := config.NewConfigurationManager(context.Background(), configPath)
			if err != nil {
				return err
			}

			path := ""
			if len(args) == 1 {
				path = args[0]
			}

			value := cm.GetValue(path, nil)
			if value == nil {
				return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
			}
			if !showSecrets {
				value = redact(lastSegment(path), value)
			}

			out, err := yaml.Marshal(value)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	get.Flags().BoolVar(&showSecrets, "show-secrets", false, "print tokens and secrets as written")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "config file")
	cmd.AddCommand(check, get)

	return cmd
}

func redact(key string, value interface{}) interface{} {
	if isSecretKey(key) {
		if s, ok := value.(string); ok && s == "" {
			return s
		}
		return redacted
	}

	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = redact(k, item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redact("", item)
		}
		return out
	}
	return value
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, secret := range secretKeys {
		if key == secret || strings.HasSuffix(key, "_"+secret) {
			return true
		}
	}
	return false
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
