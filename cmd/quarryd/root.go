// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quarryd",
	Short: "quarryd runs a region-store provider",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a quarryd.yaml process config file")
	rootCmd.AddCommand(runCmd)
}

func loadViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("QUARRYD")
	v.AutomaticEnv()

	v.SetDefault("listen-address", ":7777")
	v.SetDefault("provider-id", "")
	v.SetDefault("document", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("migration", false)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}
