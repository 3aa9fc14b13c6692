package main

import (
	"github.com/spf13/cobra"

	"github.com/saintsal/gateway/config"
	srv "github.com/saintsal/gateway/internal/server"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the inference gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			addr := serveAddr
			if addr == "" {
				addr = cfg.Server.Address
			}
			return srv.Run(addr, cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
