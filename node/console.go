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

package node

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Console serves the host-facing textual commands DUMP and CLEAR for
// the logging collaborator.
type Console struct {
	stats  *Stats
	events *EventLog
}

// NewConsole creates the console over the node's stats and event log.
func NewConsole(stats *Stats, events *EventLog) *Console {
	return &Console{stats: stats, events: events}
}

// Run reads commands line by line until EOF; start it in its own
// goroutine.
func (c *Console) Run(in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToUpper(strings.TrimSpace(scanner.Text())) {
		case "DUMP":
			for _, e := range c.events.Events() {
				fmt.Fprintln(out, e.String())
			}
			for k, v := range c.stats.Get() {
				fmt.Fprintf(out, "%s=%d\n", k, v)
			}
		case "CLEAR":
			c.stats.Reset()
			c.events.Clear()
			fmt.Fprintln(out, "cleared")
		case "":
		default:
			fmt.Fprintln(out, "commands: DUMP, CLEAR")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("console: %v", err)
	}
}
