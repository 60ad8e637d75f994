package main

import (
	"errors"
	"flag"
	"fmt"
	"go/token"
	"os"
	"sort"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// defaultPatterns lists the packages that run before the kernel heap exists.
var defaultPatterns = []string{
	"mmboot/kernel/mm/...",
	"mmboot/kernel/hal/...",
	"mmboot/kernel/kfmt",
}

type finding struct {
	pos  token.Position
	kind string
	fn   string
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[allocscan] error: %s\n", err.Error())
	os.Exit(1)
}

// loadProgram type-checks the packages matching patterns and builds their
// SSA form. It returns the program and the set of packages to inspect.
func loadProgram(patterns []string, tags string) (*ssa.Program, map[*ssa.Package]bool, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedImports | packages.NeedDeps |
			packages.NeedTypes | packages.NeedSyntax | packages.NeedTypesInfo,
	}
	if tags != "" {
		cfg.BuildFlags = []string{"-tags", tags}
	}

	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, nil, err
	}

	if packages.PrintErrors(pkgs) > 0 {
		return nil, nil, errors.New("packages contain errors")
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.InstantiateGenerics)
	prog.Build()

	targets := make(map[*ssa.Package]bool)
	for _, pkg := range ssaPkgs {
		if pkg != nil {
			targets[pkg] = true
		}
	}

	return prog, targets, nil
}

// scan reports the instructions of the target packages that allocate on the
// Go heap. Interface conversions are only reported when ifaces is set since
// kfmt arguments are kept on the stack.
func scan(prog *ssa.Program, targets map[*ssa.Package]bool, ifaces bool) []finding {
	var findings []finding

	for fn := range ssautil.AllFunctions(prog) {
		if fn.Pkg == nil || !targets[fn.Pkg] || fn.Synthetic != "" {
			continue
		}

		for _, block := range fn.Blocks {
			for _, instr := range block.Instrs {
				var kind string
				switch v := instr.(type) {
				case *ssa.Alloc:
					if v.Heap {
						kind = "escaping " + v.Comment
					}
				case *ssa.MakeSlice:
					kind = "make slice"
				case *ssa.MakeMap:
					kind = "make map"
				case *ssa.MakeChan:
					kind = "make chan"
				case *ssa.MakeClosure:
					if len(v.Bindings) != 0 {
						kind = "closure with captured variables"
					}
				case *ssa.MakeInterface:
					if ifaces {
						kind = "conversion to interface"
					}
				}

				if kind == "" || !instr.Pos().IsValid() {
					continue
				}

				findings = append(findings, finding{
					pos:  prog.Fset.Position(instr.Pos()),
					kind: kind,
					fn:   fn.String(),
				})
			}
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].pos.Filename != findings[j].pos.Filename {
			return findings[i].pos.Filename < findings[j].pos.Filename
		}
		return findings[i].pos.Offset < findings[j].pos.Offset
	})

	return findings
}

func main() {
	tags := flag.String("tags", "", "build tags used when loading the packages")
	ifaces := flag.Bool("ifaces", false, "also report conversions to interface values")
	strict := flag.Bool("strict", false, "exit with a non-zero status if any allocation is found")
	flag.Parse()

	patterns := flag.Args()
	if len(patterns) == 0 {
		patterns = defaultPatterns
	}

	prog, targets, err := loadProgram(patterns, *tags)
	if err != nil {
		exit(err)
	}

	findings := scan(prog, targets, *ifaces)
	for _, f := range findings {
		fmt.Printf("%s: %s in %s\n", f.pos, f.kind, f.fn)
	}

	if *strict && len(findings) != 0 {
		exit(fmt.Errorf("found %d heap allocations", len(findings)))
	}
}
