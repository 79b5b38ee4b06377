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

// aerolinkctl queries a node's monitoring endpoint and renders its
// counters and link events for an operator.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var target string

func fetch(path string, out interface{}) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + target + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	counters := map[string]int64{}
	if err := fetch("/", &counters); err != nil {
		return err
	}
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	warn := color.New(color.FgRed).SprintFunc()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"counter", "value"})
	for _, k := range keys {
		v := strconv.FormatInt(counters[k], 10)
		if counters[k] > 0 && isErrorCounter(k) {
			v = warn(v)
		}
		table.Append([]string{k, v})
	}
	table.Render()
	return nil
}

// isErrorCounter flags counters worth an operator's attention.
func isErrorCounter(k string) bool {
	for _, s := range []string{"errors", "failed", "dropped", "drops", "abandoned", "overflow", "resets", "unsent"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func runEvents(cmd *cobra.Command, args []string) error {
	var lines []string
	if err := fetch("/events", &lines); err != nil {
		return err
	}
	bold := color.New(color.Bold)
	for _, l := range lines {
		if strings.Contains(l, "JAMMED") || strings.Contains(l, "LOST") {
			bold.Println(l)
			continue
		}
		fmt.Println(l)
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:          "aerolinkctl",
		Short:        "operator tool for aerolink nodes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&target, "target", "localhost:9090", "node monitoring address")

	status := &cobra.Command{
		Use:   "status",
		Short: "show the node's counters",
		RunE:  runStatus,
	}
	events := &cobra.Command{
		Use:   "events",
		Short: "show the node's link-event history",
		RunE:  runEvents,
	}
	root.AddCommand(status, events)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
