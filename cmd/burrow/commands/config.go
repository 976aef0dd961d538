package commands

import (
	"github.com/spf13/cobra"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with burrow.yml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate burrow.yml and print the effective agent schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)

			cfg, err := flags.loadConfig()
			if err != nil {
				return configError(p, flags.configPath, err)
			}

			backend := cfg.Redis.URL
			if cfg.Redis.Memory {
				backend = "in-process memory"
			}
			p.Success("%s is valid\n", flags.configPath)
			p.Info("\nBackend: %s\n", backend)

			for _, prov := range cfg.Providers {
				ns := prov.Namespace
				if ns == "" {
					ns = prov.Name
				}
				p.Info("\nProvider %s (namespace %s, %d credentials)\n", prov.Name, ns, len(prov.Credentials))
				for _, a := range prov.Agents {
					tun := a.Tunables()
					p.Info("  %-20s every %-8s timeout %-8s max runtime %-8s types %v\n",
						a.Name, tun.Interval, tun.Timeout, tun.MaxRuntime, a.Types)
				}
			}
			return nil
		},
	})
	return cmd
}
