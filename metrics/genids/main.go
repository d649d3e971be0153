// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// genids writes the metric ID constants of metrics.json as Go code.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/format"
	"os"
	"slices"
)

type metricDef struct {
	Description string `json:"description"`
	MetricType  string `json:"type"`
	Name        string `json:"name"`
	FieldName   string `json:"field"`
	Unit        string `json:"unit"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

func generate(input []byte) ([]byte, error) {
	var metricDefs []metricDef
	if err := json.Unmarshal(input, &metricDefs); err != nil {
		return nil, fmt.Errorf("unmarshaling: %v", err)
	}

	var maxID uint32
	seen := make([]uint32, 0, len(metricDefs))
	for _, m := range metricDefs {
		if slices.Contains(seen, m.ID) {
			return nil, fmt.Errorf("duplicate metric id %d", m.ID)
		}
		seen = append(seen, m.ID)
		maxID = max(maxID, m.ID)
	}

	var output bytes.Buffer
	output.WriteString(
		"// Code generated from metrics.json. DO NOT EDIT.\n" +
			"\n" +
			"package metrics\n" +
			"\n" +
			"// To add a new metric append an entry to metrics.json. ONLY APPEND !\n" +
			"// Then run 'go generate ./metrics'.\n" +
			"\n" +
			"// Metric IDs.\n" +
			"const (\n" +
			"\t// IDInvalid is the zero value of uninitialized metric IDs.\n" +
			"\tIDInvalid = 0\n")

	for _, m := range metricDefs {
		if m.Obsolete {
			continue
		}
		fmt.Fprintf(&output, "\n\t// %s\n\tID%s = %d\n", m.Description, m.Name, m.ID)
	}

	fmt.Fprintf(&output, "\n\t// IDMax is one above the highest metric ID.\n\tIDMax = %d\n)\n", maxID+1)
	return format.Source(output.Bytes())
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <metrics.json> <output.go>\n", os.Args[0])
		os.Exit(1)
	}

	input, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v", os.Args[1], err)
		os.Exit(1)
	}

	output, err := generate(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v", err)
		os.Exit(1)
	}

	if err = os.WriteFile(os.Args[2], output, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v", err)
		os.Exit(1)
	}
}
