package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pzverkov/pqtunnel/pkg/host"
)

type panel struct {
	Descriptor host.Descriptor `json:"descriptor" yaml:"descriptor"`
	Schema     []host.Field    `json:"schema" yaml:"schema"`
	Values     []host.Setting  `json:"values" yaml:"values"`
}

func newPanelCmd() *cobra.Command {
	var format string
	var set []string
	cmd := &cobra.Command{
		Use:   "panel",
		Short: "Print the host panel descriptor and settings schema",
		Example: `  pqtunnel panel
  pqtunnel panel --format yaml --set server_region=eu-west`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := host.NewSettings()
			for _, kv := range set {
				key, value, ok := strings.Cut(kv, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid setting %q, want key=value", kv)
				}
				if err := settings.Set(key, value); err != nil {
					return err
				}
			}
			p := panel{
				Descriptor: host.Describe(),
				Schema:     host.Schema(),
				Values:     settings.Values(),
			}
			w := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			case "yaml":
				return yaml.NewEncoder(w).Encode(p)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	cmd.Flags().StringArrayVar(&set, "set", nil, "apply a setting (key=value) before printing, repeatable")
	return cmd
}
