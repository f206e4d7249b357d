package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/corvid-systems/nnexec/internal/executor"
	"github.com/corvid-systems/nnexec/internal/logger"
	"github.com/corvid-systems/nnexec/internal/planfile"
	"github.com/corvid-systems/nnexec/internal/refbackend"
)

func runCmd() *cli.Command {
	var (
		planPath   string
		inputsPath string
		pipelining bool
		dumpDir    string
		logLevel   string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a partitioned plan to completion against the reference backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "plan",
				Aliases:     []string{"p"},
				Usage:       "path to a plan file (.yaml or .json)",
				Destination: &planPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "inputs",
				Aliases:     []string{"i"},
				Usage:       "path to a JSON file of global input tensors",
				Destination: &inputsPath,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "pipelining",
				Usage:       "enable function-call double-buffering",
				Destination: &pipelining,
			},
			&cli.StringFlag{
				Name:        "dump-dir",
				Usage:       "append a JSON line per subgraph attempt here (request, subgraph, attempt, handle state; tensor values are not written)",
				Destination: &dumpDir,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyRunConfig(c, cfg, &pipelining, &dumpDir)

			log := logger.Pretty(os.Stderr, logger.ParseLevel(logLevel))

			plan, err := loadPlanFile(planPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			inputs, err := loadInputs(inputsPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			backend, err := buildRefBackend(plan)
			if err != nil {
				return cli.Exit(fmt.Sprintf("building reference backend: %v", err), 1)
			}
			descs, err := planfile.ToDescriptors(plan, backend)
			if err != nil {
				return cli.Exit(fmt.Sprintf("converting plan: %v", err), 1)
			}
			meta := planfile.ToPartitionMeta(plan)

			var dumper executor.Dumper = executor.NopDumper{}
			if dumpDir != "" {
				d, err := newFileDumper(dumpDir)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				dumper = d
			}

			req, err := executor.New(executor.Options{
				Descriptors: descs,
				Meta:        meta,
				Factory:     backend,
				Compiler:    backend,
				Bank:        backend,
				CopyPolicy:  refbackend.NeverCopy{},
				Dumper:      dumper,
				Logger:      log,
				Pipelining:  plan.Pipelining || pipelining,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("constructing request: %v", err), 1)
			}

			if err := req.PrepareForInfer(inputs); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := req.Run(); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			result := runResult{Outputs: map[string][]float32{}}
			for g := range meta.GlobalOutputsToSubgraphOutputs {
				t, ok := req.GlobalOutput(g)
				if !ok {
					continue
				}
				result.Outputs[fmt.Sprintf("%d", g)] = tensorToFloats(t)
			}
			result.Profiling = req.GetProfilingInfo()

			enc, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Println(string(enc))
			return nil
		},
	}
}

type runResult struct {
	Outputs   map[string][]float32    `json:"outputs"`
	Profiling []executor.ProfileEntry `json:"profiling"`
}
