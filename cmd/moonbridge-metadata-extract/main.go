// Command moonbridge-metadata-extract is the external subprocess the
// metadata.Extractor shells out to: given a gcode file path, it
// identifies the slicer that produced it and writes a single line of
// JSON describing whatever fields that slicer exposes to stdout.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moonbridge/moonbridge/internal/metadata"
)

func main() {
	cmd := &cobra.Command{
		Use:   "moonbridge-metadata-extract <path>",
		Short: "extract slicer metadata from a gcode file and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		fmt.Fprintf(os.Stderr, "file not found: %s\n", path)
		os.Exit(1)
	}

	meta, err := metadata.ParseGcodeFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(map[string]any{
		"file":     path,
		"metadata": meta,
	})
}
