package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fogleman/gg"

	"mmboot/kernel/hal/loader"
	"mmboot/kernel/mm"
)

const (
	margin    = 16
	barHeight = 32
	rowGap    = 24
	legendRow = 18
)

// typeColors maps each memory type to the fill color of its descriptors.
var typeColors = map[loader.MemoryType][3]float64{
	loader.Free:              {0.30, 0.75, 0.35},
	loader.LoadedProgram:     {0.25, 0.45, 0.85},
	loader.FirmwareTemporary: {0.55, 0.80, 0.95},
	loader.FirmwarePermanent: {0.45, 0.45, 0.45},
	loader.OsLoaderStack:     {0.60, 0.55, 0.90},
	loader.Bad:               {0.90, 0.20, 0.20},
	loader.SpecialMemory:     {0.70, 0.70, 0.70},
	loader.BbtMemory:         {0.80, 0.80, 0.50},
	loader.HalCachedMemory:   {0.95, 0.60, 0.20},
	loader.XipRom:            {0.85, 0.45, 0.70},
	loader.SystemCode:        {0.15, 0.30, 0.60},
	loader.BootDriver:        {0.35, 0.55, 0.70},
	loader.RegistryData:      {0.75, 0.65, 0.40},
	loader.NlsData:           {0.55, 0.40, 0.30},
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memmap] error: %s\n", err.Error())
	os.Exit(1)
}

// parseDescriptors reads one descriptor per line in the form
// "<base page> <page count> <type>". Blank lines and lines starting with #
// are skipped.
func parseDescriptors(r io.Reader) (*loader.Block, error) {
	var (
		block  = &loader.Block{}
		lineNo int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected base page, page count and type", lineNo)
		}

		base, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid base page: %v", lineNo, err)
		}

		count, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid page count: %v", lineNo, err)
		}

		memType, ok := loader.ParseMemoryType(strings.Join(fields[2:], " "))
		if !ok {
			return nil, fmt.Errorf("line %d: unknown memory type %q", lineNo, strings.Join(fields[2:], " "))
		}

		block.Descriptors = append(block.Descriptors, &loader.MemoryDescriptor{
			BasePage:  mm.Frame(base),
			PageCount: count,
			Type:      memType,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(block.Descriptors) == 0 {
		return nil, errors.New("no memory descriptors found")
	}

	if err := block.Validate(); err != nil {
		return nil, errors.New(err.Message)
	}

	return block, nil
}

// render draws the descriptor list and the physical run table on two
// horizontal bars that share the same page scale.
func render(block *loader.Block, width int) *gg.Context {
	var (
		last      = block.Descriptors[len(block.Descriptors)-1]
		pageSpan  = float64(last.EndPage())
		barWidth  = float64(width - 2*margin)
		usedTypes []loader.MemoryType
		seen      = make(map[loader.MemoryType]bool)
	)

	block.VisitDescriptors(func(d *loader.MemoryDescriptor) bool {
		if !seen[d.Type] {
			seen[d.Type] = true
			usedTypes = append(usedTypes, d.Type)
		}
		return true
	})

	height := 2*margin + 2*(barHeight+rowGap) + len(usedTypes)*legendRow
	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	xFor := func(page mm.Frame) float64 {
		return margin + float64(page)/pageSpan*barWidth
	}

	drawBar := func(y float64, label string) {
		dc.SetRGB(0, 0, 0)
		dc.DrawString(label, margin, y-4)
		dc.SetRGB(0.93, 0.93, 0.93)
		dc.DrawRectangle(margin, y, barWidth, barHeight)
		dc.Fill()
	}

	y := float64(margin + rowGap)
	drawBar(y, "descriptors")
	block.VisitDescriptors(func(d *loader.MemoryDescriptor) bool {
		rgb := typeColors[d.Type]
		dc.SetRGB(rgb[0], rgb[1], rgb[2])
		dc.DrawRectangle(xFor(d.BasePage), y, xFor(d.EndPage())-xFor(d.BasePage), barHeight)
		dc.Fill()
		return true
	})

	runs := block.PhysicalRuns()
	y += barHeight + rowGap
	drawBar(y, fmt.Sprintf("physical runs (%d pages)", runs.Pages()))
	for _, run := range runs {
		dc.SetRGB(0.20, 0.20, 0.55)
		dc.DrawRectangle(xFor(run.BasePage), y, xFor(run.EndPage())-xFor(run.BasePage), barHeight)
		dc.Fill()
	}

	y += barHeight + rowGap
	for _, memType := range usedTypes {
		rgb := typeColors[memType]
		dc.SetRGB(rgb[0], rgb[1], rgb[2])
		dc.DrawRectangle(margin, y, legendRow-4, legendRow-4)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(memType.String(), margin+legendRow+4, y+(legendRow-4)/2, 0, 0.5)
		y += legendRow
	}

	return dc
}

func main() {
	inFile := flag.String("in", "", "descriptor list to render (defaults to stdin)")
	outFile := flag.String("out", "memmap.png", "the PNG file to write")
	width := flag.Int("width", 1024, "image width in pixels")
	flag.Parse()

	var in io.Reader = os.Stdin
	if *inFile != "" {
		f, err := os.Open(*inFile)
		if err != nil {
			exit(err)
		}
		defer f.Close()
		in = f
	}

	block, err := parseDescriptors(in)
	if err != nil {
		exit(err)
	}

	if err := render(block, *width).SavePNG(*outFile); err != nil {
		exit(err)
	}
}
