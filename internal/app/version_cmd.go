package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

type versionPayload struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Go        string `json:"go"`
}

func versionCmd(args []string) int {
	return runVersionCmd(args, os.Stdout, os.Stderr)
}

func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	longOutput := fs.Bool("long", false, "")
	jsonOutput := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "toolhorn version: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "toolhorn version: unexpected positional arguments")
		return 2
	}

	payload := versionPayload{
		Name:      "toolhorn",
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
		Go:        runtime.Version(),
	}

	switch {
	case *jsonOutput:
		if err := json.NewEncoder(stdout).Encode(payload); err != nil {
			fmt.Fprintf(stderr, "toolhorn version: %v\n", err)
			return 1
		}
	case *longOutput:
		fmt.Fprintf(stdout, "toolhorn %s (commit %s, built %s, %s)\n",
			payload.Version, payload.Commit, payload.BuildDate, payload.Go)
	default:
		fmt.Fprintf(stdout, "toolhorn %s\n", payload.Version)
	}
	return 0
}
