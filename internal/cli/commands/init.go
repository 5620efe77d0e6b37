// Copyright 2024 CacheFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cachefs/internal/daemon"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the settings file",
	Long: `Creates the configuration directory (~/.cachefs, or $CACHEFS_CONFIG_DIR)
and writes a settings.yaml with the default values of every mount option.

Values in settings.yaml apply to every mount; command-line flags and
--config files override them.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	settingsPath := daemon.GlobalSettingsPath()
	_, statErr := os.Stat(settingsPath)

	if err := daemon.InitConfigDir(); err != nil {
		return err
	}

	if statErr == nil {
		fmt.Printf("settings.yaml already exists (not modified): %s\n", settingsPath)
	} else {
		fmt.Printf("Created %s\n", settingsPath)
	}
	return nil
}
