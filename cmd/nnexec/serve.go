package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/corvid-systems/nnexec/internal/executor"
	"github.com/corvid-systems/nnexec/internal/logger"
	"github.com/corvid-systems/nnexec/internal/planfile"
	"github.com/corvid-systems/nnexec/internal/refbackend"
)

// rateLimitedCompiler throttles how often a failing subgraph may be
// recompiled for its next device, so a device stuck in a fail loop
// cannot burn the host recompiling on every single request.
type rateLimitedCompiler struct {
	inner   executor.Compiler
	limiter *rate.Limiter
}

func (c *rateLimitedCompiler) CompileForSuccess(realIdx int) bool {
	if !c.limiter.Allow() {
		return false
	}
	return c.inner.CompileForSuccess(realIdx)
}

type inferServer struct {
	plan       *planfile.Plan
	backend    *refbackend.Backend
	descs      []*executor.SubgraphDescriptor
	meta       executor.PartitionMeta
	compiler   executor.Compiler
	pipelining bool
	dumpDir    string
	log        logger.Logger
}

func (s *inferServer) register(e *echo.Echo) {
	e.POST("/infer", s.handleInfer)
	e.GET("/healthz", s.handleHealthz)
}

func (s *inferServer) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *inferServer) handleInfer(c *echo.Context) error {
	reqID := uuid.NewString()
	log := s.log

	raw, err := decodeJSON[inputsFile](c.Request().Body)
	if err != nil {
		return writeInferError(c, http.StatusBadRequest, err.Error())
	}
	inputs, err := raw.toTensors()
	if err != nil {
		return writeInferError(c, http.StatusBadRequest, err.Error())
	}

	var dumper executor.Dumper = executor.NopDumper{}
	if s.dumpDir != "" {
		d, err := newFileDumper(s.dumpDir)
		if err != nil {
			log.Error("open dump file", "request_id", reqID, "error", err)
		} else {
			dumper = d
		}
	}

	req, err := executor.New(executor.Options{
		Descriptors: s.descs,
		Meta:        s.meta,
		Factory:     s.backend,
		Compiler:    s.compiler,
		Bank:        s.backend,
		CopyPolicy:  refbackend.NeverCopy{},
		Dumper:      dumper,
		Logger:      s.log,
		Pipelining:  s.pipelining,
	})
	if err != nil {
		return writeInferError(c, http.StatusInternalServerError, fmt.Sprintf("constructing request: %v", err))
	}

	if err := req.PrepareForInfer(inputs); err != nil {
		return writeInferError(c, http.StatusBadRequest, err.Error())
	}
	if err := req.Run(); err != nil {
		log.Error("inference failed", "request_id", reqID, "error", err)
		return writeInferError(c, http.StatusInternalServerError, err.Error())
	}

	result := runResult{Outputs: map[string][]float32{}}
	for g := range s.meta.GlobalOutputsToSubgraphOutputs {
		t, ok := req.GlobalOutput(g)
		if !ok {
			continue
		}
		result.Outputs[fmt.Sprintf("%d", g)] = tensorToFloats(t)
	}
	result.Profiling = req.GetProfilingInfo()

	log.Info("inference complete", "request_id", reqID)
	return c.JSON(http.StatusOK, result)
}

func writeInferError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func serveCmd() *cli.Command {
	var (
		planPath       string
		addr           string
		recompileRPS   float64
		recompileBurst int
		pipelining     bool
		dumpDir        string
		logLevel       string
		readTimeout    time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a partitioned plan over HTTP, running inference against the reference backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "plan",
				Aliases:     []string{"p"},
				Usage:       "path to a plan file (.yaml or .json)",
				Destination: &planPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8089",
				Destination: &addr,
			},
			&cli.Float64Flag{
				Name:        "recompile-rps",
				Usage:       "max failover recompiles per second, across all requests",
				Value:       5,
				Destination: &recompileRPS,
			},
			&cli.IntFlag{
				Name:        "recompile-burst",
				Usage:       "recompile rate limiter burst size",
				Value:       1,
				Destination: &recompileBurst,
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
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyServeConfig(c, cfg, &addr, &recompileRPS, &recompileBurst)

			log := logger.Pretty(os.Stderr, logger.ParseLevel(logLevel))

			plan, err := loadPlanFile(planPath)
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

			srv := &inferServer{
				plan:       plan,
				backend:    backend,
				descs:      descs,
				meta:       meta,
				compiler:   &rateLimitedCompiler{inner: backend, limiter: rate.NewLimiter(rate.Limit(recompileRPS), recompileBurst)},
				pipelining: plan.Pipelining || pipelining,
				dumpDir:    dumpDir,
				log:        log,
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.register(e)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(httpSrv *http.Server) error {
					httpSrv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
