// Command aegis-server is the single binary entrypoint: it wires every
// component named in spec.md's component table (event store, provider
// gateway, resilience registries, agent runtime, swarm coordinator,
// consensus engine, business metrics, streaming fabric, public API
// surface, admin RPC) and serves HTTP + gRPC, grounded on the teacher's
// example/cmd/assistant/main.go flag parsing, clue/log context setup, and
// signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	tclient "go.temporal.io/sdk/client"
	tworker "go.temporal.io/sdk/worker"
	"goa.design/clue/debug"
	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/agentruntime"
	"github.com/aegis-ops/aegis/pkg/agents"
	"github.com/aegis-ops/aegis/pkg/api"
	"github.com/aegis-ops/aegis/pkg/api/adminrpc"
	"github.com/aegis-ops/aegis/pkg/config"
	"github.com/aegis-ops/aegis/pkg/consensus"
	"github.com/aegis-ops/aegis/pkg/eventstore/inmem"
	"github.com/aegis-ops/aegis/pkg/logging"
	"github.com/aegis-ops/aegis/pkg/metrics"
	"github.com/aegis-ops/aegis/pkg/providers"
	"github.com/aegis-ops/aegis/pkg/providers/anthropic"
	"github.com/aegis-ops/aegis/pkg/providers/bedrock"
	"github.com/aegis-ops/aegis/pkg/providers/openai"
	ragmem "github.com/aegis-ops/aegis/pkg/ragmemory/inmem"
	"github.com/aegis-ops/aegis/pkg/resilience/breaker"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
	"github.com/aegis-ops/aegis/pkg/streamfabric/localbus"
	"github.com/aegis-ops/aegis/pkg/streamfabric/pulsebus"
	"github.com/aegis-ops/aegis/pkg/swarm"
	"github.com/aegis-ops/aegis/pkg/swarm/localengine"
	"github.com/aegis-ops/aegis/pkg/swarm/temporalengine"
)

func main() {
	var (
		httpPortF  = flag.String("http-port", "8000", "HTTP port for the Public API Surface")
		grpcPortF  = flag.String("grpc-port", "8090", "gRPC port for the admin RPC surface")
		configF    = flag.String("config", "", "path to a YAML configuration file (defaults applied if empty)")
		busF       = flag.String("bus", "local", "streaming fabric backend: local or pulse")
		redisAddrF = flag.String("redis-addr", "localhost:6379", "Redis address, used only when -bus=pulse")
		engineF    = flag.String("engine", "local", "swarm engine backend: local or temporal")
		temporalF  = flag.String("temporal-addr", "localhost:7233", "Temporal frontend address, used only when -engine=temporal")
		dbgF       = flag.Bool("debug", false, "log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := logging.New()

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	store := inmem.New()
	router := buildRouter(ctx, cfg)
	bus := buildBus(ctx, *busF, *redisAddrF, logger)
	memory := ragmem.New(nil)

	meter := otel.Meter("aegis-server")
	metricsSvc, err := metrics.NewService(store, meter, cfg.CostInputsFor(), cfg.MetricsWeights)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("build metrics service: %w", err))
	}
	metricsSvc.WithBus(bus)

	runner := agentruntime.NewRunner(store, router).WithBudgets(budgetsFrom(cfg)).WithBus(bus)
	engine := buildEngine(ctx, *engineF, *temporalF, runner, &wg)
	consensusEngine := consensus.NewEngine(router)
	coordinator := swarm.NewCoordinator(store, engine, consensusEngine.Decide).WithExecutor(actionExecutor(router)).WithBus(bus)

	handlers := agents.DefaultHandlers(memory)
	safeModeHandlers := agents.DefaultSafeModeHandlers()
	taskBuilder := func() []swarm.AgentTask {
		kinds := []incident.AgentKind{
			incident.KindDetection, incident.KindDiagnosis, incident.KindPrediction,
			incident.KindResolution, incident.KindCommunication,
		}
		tasks := make([]swarm.AgentTask, len(kinds))
		for i, k := range kinds {
			tasks[i] = swarm.AgentTask{Kind: k, Level: k.DependencyLevel(), Handler: handlers[k], SafeMode: safeModeHandlers[k]}
		}
		return tasks
	}

	apiServer := api.NewServer(store, coordinator, taskBuilder, metricsSvc, bus, logger)
	adminSvc := adminrpc.NewService(store, metricsSvc)

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	handleHTTPServer(ctx, *httpPortF, apiServer, &wg, errc)
	handleGRPCServer(ctx, *grpcPortF, adminSvc, *dbgF, &wg, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

// buildRouter wires a providers.Router from every adapter whose credentials
// are present in the environment, plus the breaker and rate-limit
// registries from cfg (spec.md §4.3-§4.4).
func buildRouter(ctx context.Context, cfg config.Config) *providers.Router {
	backing := map[string]providers.Provider{}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c, err := anthropic.NewFromAPIKey(key, anthropic.Options{DefaultModel: "claude-sonnet-4-20250514", HighModel: "claude-opus-4-20250514", SmallModel: "claude-haiku-4-20250514", MaxTokens: 1024})
		if err != nil {
			log.Printf(ctx, "anthropic provider disabled: %s", err)
		} else {
			backing[c.Name()] = c
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c, err := openai.NewFromAPIKey(key, openai.Options{DefaultModel: "gpt-4.1", HeavyModel: "gpt-4.1", FastModel: "gpt-4.1-mini", EmbeddingModel: "text-embedding-3-small"})
		if err != nil {
			log.Printf(ctx, "openai provider disabled: %s", err)
		} else {
			backing[c.Name()] = c
		}
	}
	if os.Getenv("AWS_REGION") != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Printf(ctx, "bedrock provider disabled: %s", err)
		} else {
			rc := bedrockruntime.NewFromConfig(awsCfg)
			c, err := bedrock.New(rc, bedrock.Options{DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0", MaxTokens: 1024})
			if err != nil {
				log.Printf(ctx, "bedrock provider disabled: %s", err)
			} else {
				backing[c.Name()] = c
			}
		}
	}

	return providers.NewRouter(backing,
		providers.WithBreakers(breaker.NewRegistry(cfg.BreakerConfigFor())),
		providers.WithRateLimits(cfg.RateLimitsFor()),
	)
}

func budgetsFrom(cfg config.Config) map[incident.AgentKind]agentruntime.Budget {
	budgets := map[incident.AgentKind]agentruntime.Budget{}
	for kind, t := range cfg.AgentTimeouts {
		budgets[kind] = agentruntime.Budget{Primary: t.Primary, Secondary: t.Secondary, SafeMode: t.SafeMode}
	}
	return budgets
}

// buildBus constructs the default in-process Bus, or the distributed
// Pulse-backed Bus when -bus=pulse, logging a fallback to local on any
// Redis connection error since the Public API Surface must still serve
// dashboards even without a shared fabric.
func buildBus(ctx context.Context, kind, redisAddr string, logger logging.Logger) streamfabric.Bus {
	if kind != "pulse" {
		return localbus.New()
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	bus, err := pulsebus.New(pulsebus.Options{Redis: client})
	if err != nil {
		logger.Error(ctx, "pulsebus unavailable, falling back to local bus", "error", err)
		return localbus.New()
	}
	return bus
}

// buildEngine constructs the default in-process swarm.Engine, or the
// Temporal-backed Engine when -engine=temporal, registering and starting a
// worker on wg-tracked background goroutines so cancel()+wg.Wait() in main
// tears it down alongside the HTTP/gRPC servers. Falls back to localengine
// on any connection or worker-start error, since the coordinator must still
// be able to run incidents in a degraded single-process mode.
func buildEngine(ctx context.Context, kind, temporalAddr string, runner *agentruntime.Runner, wg *sync.WaitGroup) swarm.Engine {
	if kind != "temporal" {
		return localengine.New(runner)
	}
	const taskQueue = "aegis-agent-tasks"
	c, err := tclient.Dial(tclient.Options{HostPort: temporalAddr})
	if err != nil {
		log.Printf(ctx, "temporal engine unavailable, falling back to local engine: %s", err)
		return localengine.New(runner)
	}
	eng := temporalengine.New(c, taskQueue, runner)
	w := tworker.New(c, taskQueue, tworker.Options{})
	eng.RegisterWorker(w)
	if err := w.Start(); err != nil {
		log.Printf(ctx, "temporal worker failed to start, falling back to local engine: %s", err)
		c.Close()
		return localengine.New(runner)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Printf(ctx, "stopping temporal worker")
		w.Stop()
		c.Close()
	}()
	return eng
}

// actionExecutor adapts the Provider Gateway's invoke_named_action
// capability (spec.md §4.3) into a swarm.ActionExecutor: the action's
// ActionID names the action, its Params are passed through verbatim, and
// the result map's "outcome" entry (if any) becomes the recorded outcome
// string. A provider that rejects the call (e.g. no provider currently
// implements invoke_named_action) surfaces as an execution failure, which
// the coordinator turns into an escalation rather than a silent no-op.
func actionExecutor(router *providers.Router) swarm.ActionExecutor {
	return func(ctx context.Context, action incident.ProposedAction) (string, error) {
		result, err := router.InvokeNamedAction(ctx, action.ActionID, action.Params, providers.RoutingHint{TaskClass: providers.TaskStandard})
		if err != nil {
			return "", err
		}
		if outcome, ok := result["outcome"].(string); ok && outcome != "" {
			return outcome, nil
		}
		return "completed", nil
	}
}

func handleHTTPServer(ctx context.Context, port string, apiServer *api.Server, wg *sync.WaitGroup, errc chan error) {
	mux := http.NewServeMux()
	apiServer.Routes(mux)
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on :%s", port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Printf(ctx, "shutting down HTTP server")
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func handleGRPCServer(ctx context.Context, port string, adminSvc *adminrpc.Service, dbg bool, wg *sync.WaitGroup, errc chan error) {
	chain := grpc.ChainUnaryInterceptor(log.UnaryServerInterceptor(ctx))
	if dbg {
		chain = grpc.ChainUnaryInterceptor(log.UnaryServerInterceptor(ctx), debug.UnaryServerInterceptor())
	}
	srv := grpc.NewServer(chain)
	adminrpc.RegisterAdminServiceServer(srv, adminSvc)
	reflection.Register(srv)

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			lis, err := net.Listen("tcp", ":"+port)
			if err != nil {
				errc <- err
				return
			}
			log.Printf(ctx, "gRPC server listening on :%s", port)
			errc <- srv.Serve(lis)
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down gRPC server")
		srv.Stop()
	}()
}
