package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/isapi-bridge/pkg/isapi"
)

type infoOutput struct {
	Device   isapi.DeviceInfo          `json:"device"`
	Channels []isapi.ChannelDescriptor `json:"channels"`
}

func newInfoCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print device information and online channels as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			client, err := newClient(cfg, log, nil)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			info, err := client.GetSystemInfo(ctx)
			if err != nil {
				return err
			}
			channels, err := client.GetCameras(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infoOutput{Device: info, Channels: channels})
		},
	}
}
