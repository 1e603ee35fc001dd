package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is overridden at link time with -X starstack/internal/cli.Version=...
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	})
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command) error {
	w := cmd.OutOrStdout()
	cfgPath := os.Getenv("STARSTACK_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/starstack/config.json"
	}
	fmt.Fprintf(w, "Config file: %s\n\n", cfgPath)

	data, err := yaml.Marshal(r.cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("starstack %s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
