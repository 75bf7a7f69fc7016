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
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timetools/ptpd/stats"
	"github.com/timetools/ptpd/status"
)

func stateString(name string) string {
	switch name {
	case "SLAVE", "MASTER":
		return color.GreenString(name)
	case "FAULTY":
		return color.RedString(name)
	default:
		return color.YellowString(name)
	}
}

func printStatus(report *stats.Report) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(20)
	table.SetHeader([]string{
		"port", "state", "offset(ns)", "last update",
	})
	names := []string{}
	for name := range report.Ports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := report.Ports[name]
		table.Append([]string{
			name,
			stateString(p.StateName),
			fmt.Sprintf("%d", p.Offset.Nanoseconds()),
			p.LastUpdate.Format(time.RFC3339),
		})
	}
	table.Render()

	locked := color.RedString("no")
	if report.Clock.Locked {
		locked = color.GreenString("yes")
	}
	fmt.Printf("clock: primary=%s locked=%s offset=%dns freq=%.1fppb\n",
		report.Clock.Primary, locked,
		report.Clock.LastOffset.Nanoseconds(), report.Clock.FreqPPB)
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-port state and the steered clock summary",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		report, err := status.FetchStatus(rootSocketFlag)
		if err != nil {
			log.Fatal(err)
		}
		if rootJSONFlag {
			if err := printJSON(report); err != nil {
				log.Fatal(err)
			}
			return
		}
		printStatus(report)
	},
}
