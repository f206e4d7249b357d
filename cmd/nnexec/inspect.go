package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/corvid-systems/nnexec/internal/planfile"
)

// inspectCmd prints a plan's subgraph/link table without constructing an
// executor.Request or touching any backend, so a plan can be sanity
// checked before it is ever run.
func inspectCmd() *cli.Command {
	var (
		planPath    string
		showLinks   bool
		showClosure bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a plan file's subgraph and link table without executing it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "plan",
				Aliases:     []string{"p"},
				Usage:       "path to a plan file (.yaml or .json)",
				Destination: &planPath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "links", Usage: "list the inter-subgraph link table", Destination: &showLinks},
			&cli.BoolFlag{Name: "closures", Usage: "list closure slots per subgraph", Destination: &showClosure},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			plan, err := loadPlanFile(planPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			fmt.Printf("Plan: %s\n", planPath)
			row("pipelining", fmt.Sprintf("%v", plan.Pipelining))
			rowInt("subgraphs", len(plan.Subgraphs))
			rowInt("global_inputs", len(plan.GlobalInputs))
			rowInt("global_outputs", len(plan.GlobalOutputs))
			rowInt("links", len(plan.Links))

			printSubgraphs(plan)
			if showLinks {
				printLinks(plan)
			}
			if showClosure {
				printClosures(plan)
			}
			return nil
		},
	}
}

func printSubgraphs(plan *planfile.Plan) {
	section("Subgraphs")
	for i, sp := range plan.Subgraphs {
		if sp.OptimizedOut {
			fmt.Printf("%4d  optimized_out\n", i)
			continue
		}
		role := "body"
		if sp.ReplacedBy != nil {
			if *sp.ReplacedBy == i {
				role = "function head (self)"
			} else {
				role = fmt.Sprintf("call site -> body %d", *sp.ReplacedBy)
			}
		}
		devices := strings.Join(sp.Devices, ",")
		if devices == "" {
			devices = "CPU"
		}
		spatial := ""
		if sp.Spatial != nil {
			spatial = fmt.Sprintf(" spatial(range=%d nway=%d)", sp.Spatial.Range, sp.Spatial.NWay)
		}
		fmt.Printf("%4d  %-24s in=%d out=%d param_base=%d devices=%s%s\n",
			i, role, len(sp.InputPorts), len(sp.OutputPorts), sp.ParamBase, devices, spatial)
	}
}

func printLinks(plan *planfile.Plan) {
	section("Links")
	for _, l := range plan.Links {
		fmt.Printf("subgraph %d port %d  <-  subgraph %d port %d\n",
			l.ConsumerSubgraph, l.ConsumerPort, l.ProducerSubgraph, l.ProducerPort)
	}
}

func printClosures(plan *planfile.Plan) {
	section("Closures")
	for i, sp := range plan.Subgraphs {
		for c, cp := range sp.Closures {
			fmt.Printf("subgraph %d closure %d  elem=%s shape=%v update_required=%v\n",
				i, c, cp.Elem, cp.Shape, cp.UpdateRequired)
		}
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	fmt.Printf("%-16s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	row(label, fmt.Sprintf("%d", v))
}
