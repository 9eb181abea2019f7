// Package main provides the lattice CLI.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/lattice-ml/lattice/internal/conv"
	"github.com/lattice-ml/lattice/internal/serialization"
	"github.com/lattice-ml/lattice/internal/tensor"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "version":
		fmt.Printf("lattice %s\n", version)
	case "describe":
		if err := describe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "describe: %v\n", err)
			os.Exit(1)
		}
	case "inspect":
		if err := inspect(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("lattice - spatial operator geometry and model tooling")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version                      Show version")
	fmt.Println("  describe [flags]             Derive a convolution output shape")
	fmt.Println("  inspect <model.ltsp>         Show a model file's nodes and tensors")
}

// describe derives and prints the output geometry for a convolution
// specified on the command line.
func describe(args []string) error {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	input := fs.String("input", "28x28x3", "input sample extents, channel-major (WxHxC)")
	kernel := fs.String("kernel", "3x3x0", "kernel extents; 0 spans the full axis")
	stride := fs.String("stride", "1x1x0", "stride extents; 0 steps by the kernel extent")
	maps := fs.Int("maps", 1, "output feature map count")
	pad := fs.Bool("pad", false, "pad spatial axes so the extent only shrinks by the stride")
	if err := fs.Parse(args); err != nil {
		return err
	}

	inShape, err := parseShape(*input)
	if err != nil {
		return err
	}
	kShape, err := parseShape(*kernel)
	if err != nil {
		return err
	}
	sShape, err := parseShape(*stride)
	if err != nil {
		return err
	}
	autoPad := make([]bool, inShape.Rank())
	for i := 0; i < inShape.Rank()-1; i++ {
		autoPad[i] = *pad
	}

	g, err := conv.NewGeometry(inShape, kShape, tensor.Shape{*maps}, sShape, nil, autoPad, nil, nil)
	if err != nil {
		return err
	}
	fmt.Printf("input:  %s\n", g.InputShape)
	fmt.Printf("kernel: %s x %d maps (%d kernel slices)\n", g.KernelShape, g.MapCountTotal(), g.KernelCount())
	fmt.Printf("output: %s (%d elements per sample)\n", g.OutputShape, g.OutputShape.NumElements())
	return nil
}

// inspect prints the node records and tensor directory of a .ltsp file.
func inspect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one file argument")
	}
	r, err := serialization.NewReader(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	header := r.Header()
	fmt.Printf("format version: %d\n", r.Version())
	if header.Checksum != "" {
		fmt.Printf("checksum:       %s\n", header.Checksum)
	}

	nodes, err := r.Nodes()
	if err != nil {
		return err
	}
	fmt.Printf("nodes: %d\n", len(nodes))
	for _, rec := range nodes {
		fmt.Printf("  %-20s %-22s kernel=%s stride=%s maps=%s layout=%s\n",
			rec.Name, rec.Kind,
			rec.Config.KernelShape, rec.Config.Stride, rec.Config.MapCount,
			rec.Config.Layout)
	}

	fmt.Printf("tensors: %d\n", len(header.Tensors))
	for _, meta := range header.Tensors {
		enc := meta.Encoding
		if enc == "" {
			enc = serialization.EncodingRaw
		}
		fmt.Printf("  %-20s %-8s %v %s (%s)\n",
			meta.Name, meta.DType, meta.Shape, humanize.IBytes(uint64(meta.Size)), enc)
	}
	return nil
}

// parseShape reads extents in the WxHxC form, e.g. "28x28x3".
func parseShape(s string) (tensor.Shape, error) {
	parts := strings.Split(s, "x")
	shape := make(tensor.Shape, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("bad extent %q in %q", p, s)
		}
		shape = append(shape, d)
	}
	return shape, nil
}
