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
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timetools/ptpd/status"
)

func init() {
	RootCmd.AddCommand(clockCmd)
}

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "Print the steered clock state",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		state, err := status.FetchClock(rootSocketFlag)
		if err != nil {
			log.Fatal(err)
		}
		if rootJSONFlag {
			if err := printJSON(state); err != nil {
				log.Fatal(err)
			}
			return
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"property", "value"})
		table.Append([]string{"primary", state.Primary})
		table.Append([]string{"locked", fmt.Sprintf("%v", state.Locked)})
		table.Append([]string{"degraded", fmt.Sprintf("%v", state.Degraded)})
		table.Append([]string{"offset(ns)", fmt.Sprintf("%d", state.LastOffset.Nanoseconds())})
		table.Append([]string{"freq(ppb)", fmt.Sprintf("%.1f", state.FreqPPB)})
		table.Append([]string{"offset mean(ns)", fmt.Sprintf("%.1f", state.OffsetMeanNS)})
		table.Append([]string{"offset stddev(ns)", fmt.Sprintf("%.1f", state.OffsetStddevNS)})
		table.Append([]string{"steps", fmt.Sprintf("%d", state.Steps)})
		table.Append([]string{"applied", fmt.Sprintf("%d", state.Applied)})
		table.Append([]string{"discarded", fmt.Sprintf("%d", state.Discarded)})
		table.Render()
	},
}
