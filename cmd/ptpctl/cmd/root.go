/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the main entry point, exported so ptpctl can be extended
// without touching core functionality
var RootCmd = &cobra.Command{
	Use:   "ptpctl",
	Short: "Query and control a running ptpd",
}

// flags
var rootVerboseFlag bool
var rootSocketFlag string
var rootJSONFlag bool

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	RootCmd.PersistentFlags().StringVarP(&rootSocketFlag, "socket", "s", "/var/run/ptpd.sock", "Path to the ptpd status socket")
	RootCmd.PersistentFlags().BoolVarP(&rootJSONFlag, "json", "j", false, "raw JSON output instead of tables")
}

// printJSON marshals v the way the daemon itself would serve it
func printJSON(v any) error {
	toPrint, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(toPrint))
	return nil
}

// ConfigureVerbosity configures log verbosity based on parsed flags.
// Needs to be called by any subcommand.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is the main entry point for CLI interface
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
