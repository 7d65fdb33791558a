package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/masterrt"
)

func newDoctorCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report model, bus, and agent-presence health (supplemented feature)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			var bus *busclient.Client
			if b, err := busclient.Connect(cfg.Bus.URL, time.Duration(cfg.Bus.PresenceTTL)*time.Second, cfg.Bus.ClientPrefix); err == nil {
				bus = b
				defer bus.Close()
			}

			d := masterrt.NewDoctor(cfg, bus)
			for _, check := range d.Run() {
				fmt.Printf("[%s] %s: %s\n", check.Status, check.Name, check.Message)
				for _, detail := range check.Details {
					fmt.Printf("    - %s\n", detail)
				}
			}
			if !d.IsHealthy() {
				return fmt.Errorf("niffler doctor: one or more checks failed")
			}
			return nil
		},
	}
}
