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
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timetools/ptpd/status"
)

func init() {
	RootCmd.AddCommand(countersCmd)
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "Print daemon counters in JSON format",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		counters, err := status.FetchCounters(rootSocketFlag)
		if err != nil {
			log.Fatal(err)
		}
		if err := printJSON(counters); err != nil {
			log.Fatal(err)
		}
	},
}
