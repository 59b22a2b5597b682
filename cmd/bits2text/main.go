// Command bits2text decodes a file of captured '0'/'1' radio bits into text.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/signalsfoundry/conjunction-monitor/internal/bitcodec"
)

const previewRunes = 100

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bits2text", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "file containing the bit string")
	out := fs.String("out", "", "file to write decoded text to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" || *out == "" {
		fmt.Fprintln(stderr, "bits2text: -in and -out are required")
		fs.Usage()
		return 2
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "bits2text: read input: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Read %d characters from %s\n", len([]rune(string(raw))), *in)

	text := bitcodec.BitsToText(string(raw))
	if err := os.WriteFile(*out, []byte(text), 0o644); err != nil {
		fmt.Fprintf(stderr, "bits2text: write output: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Decoded text saved to %s\n", *out)
	fmt.Fprintf(stdout, "\nPreview (first %d characters):\n%s\n", previewRunes, bitcodec.Printable(text, previewRunes))
	return 0
}
