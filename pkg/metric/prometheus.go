// Copyright 2025 The gVisor Authors.
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

package metric

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// escapeHelp escapes the characters that are not allowed in HELP text.
func escapeHelp(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\\", "\\\\"), "\n", "\\n")
}

// escapeLabel escapes the characters that are not allowed in label values.
func escapeLabel(s string) string {
	return strings.ReplaceAll(escapeHelp(s), "\"", "\\\"")
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format. Each metric name is prefixed with prefix.
func WritePrometheus(w io.Writer, prefix string) error {
	allMetricsMu.Lock()
	ms := make([]*Uint64Metric, 0, len(allMetrics))
	for _, m := range allMetrics {
		ms = append(ms, m)
	}
	allMetricsMu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	bw := bufio.NewWriter(w)
	for _, m := range ms {
		name := prefix + m.name
		if m.description != "" {
			fmt.Fprintf(bw, "# HELP %s %s\n", name, escapeHelp(m.description))
		}
		fmt.Fprintf(bw, "# TYPE %s counter\n", name)
		for _, s := range m.samples() {
			bw.WriteString(name)
			if len(s.Labels) > 0 {
				labels := make([]string, 0, len(s.Labels))
				for k := range s.Labels {
					labels = append(labels, k)
				}
				sort.Strings(labels)
				bw.WriteByte('{')
				for i, k := range labels {
					if i > 0 {
						bw.WriteByte(',')
					}
					fmt.Fprintf(bw, "%s=\"%s\"", k, escapeLabel(s.Labels[k]))
				}
				bw.WriteByte('}')
			}
			fmt.Fprintf(bw, " %d\n", s.Value)
		}
	}
	return bw.Flush()
}
