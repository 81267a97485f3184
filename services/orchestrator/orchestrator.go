// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator wires the chat dispatch service together.
//
// This package owns the service lifecycle: tracing, metrics, the message
// store, the optional vector store, the skill registries, the dispatcher,
// and the HTTP router. Individual behaviors live in the subpackages; this
// file only composes them.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/KodiakAI/KodiakChat/services/llm"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/config"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/dispatch"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/handlers"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/ident"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/observability"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/quota"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/retrieval"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/routes"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/skills"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/store"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle: Run blocks serving HTTP until the
// server stops; Router exposes the engine for integration tests.
type Service interface {
	Run() error
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds service configuration. Zero values use defaults applied by
// New; Deploy carries the per-environment YAML settings.
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Empty defers to the GIN_MODE env var.
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "kodiak-otel-collector:4317".
	OTelEndpoint string

	// DisableTracing skips OTLP setup entirely (tests, local runs).
	DisableTracing bool

	// DisableMetrics skips Prometheus registration and the /metrics route.
	DisableMetrics bool

	// WeaviateURL is the vector store URL. Empty runs the service in
	// lightweight mode: no grounding retrieval, no exchange indexing.
	WeaviateURL string

	// StorePath is the BadgerDB directory for conversation persistence.
	// Ignored when StoreInMemory is true.
	StorePath string

	// StoreInMemory runs the message store without disk persistence.
	StoreInMemory bool

	// Deploy is the parsed deploy file (quota, retrieval, skills).
	Deploy config.Config
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "kodiak-otel-collector:4317"
	}
	if cfg.StorePath == "" && !cfg.StoreInMemory {
		cfg.StorePath = "./data/messages"
	}
	if cfg.Deploy.Retrieval.TopK == 0 {
		cfg.Deploy = config.Default()
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service composes the running components. All fields are read-only after
// New returns.
type service struct {
	config         Config
	router         *gin.Engine
	messageStore   store.MessageStore
	influxClient   influxdb2.Client
	weaviateClient *weaviate.Client
	refresher      *quota.Refresher
	tracerCleanup  func(context.Context)
}

// New builds a ready-to-run Service.
//
// # Description
//
// Initialization order: tracing, metrics, message store, optional vector
// store, optional Influx-backed skills, LLM client, registries (validated
// fail-fast), dispatcher, handlers, routes. Weaviate and Influx are
// optional; their absence degrades the service rather than failing it.
// Anything wired before a failure is torn down again.
//
// # Outputs
//
//   - Service: Ready service; caller runs it or drives Router() directly.
//   - error: Non-nil if a required component could not be built.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	if !s.config.DisableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if !s.config.DisableMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init message store: %w", err)
	}

	s.initWeaviate()

	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init LLM client: %w", err)
	}

	registry, postTexts, err := s.buildRegistries()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("build skill registry: %w", err)
	}

	searcher, indexer := s.buildRetrieval()

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		LLM:       llmClient,
		Searcher:  searcher,
		Store:     s.messageStore,
		Skills:    registry,
		PostTexts: postTexts,
		Codes:     ident.NewGenerator(time.Now().UnixMilli()),
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	gate := quota.NewGate(s.config.Deploy.Quota.DefaultUses)
	if interval := s.config.Deploy.Quota.RefreshInterval.Std(); interval > 0 {
		s.refresher, err = quota.NewRefresher(gate, interval, nil)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("build quota refresher: %w", err)
		}
		if err := s.refresher.Start(context.Background()); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("start quota refresher: %w", err)
		}
	}

	if err := s.initRouter(dispatcher, gate, indexer); err != nil {
		s.cleanup()
		return nil, err
	}

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until it stops. Cleanup runs on
// return.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("starting orchestrator server", "port", s.config.Port)
	return s.router.Run(addr)
}

// Router returns the configured engine for integration tests.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization
// =============================================================================

// initTracer sets up OTLP trace export over insecure gRPC (internal
// network).
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("kodiak-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func (s *service) initStore() error {
	var storeCfg store.Config
	if s.config.StoreInMemory {
		storeCfg = store.InMemoryConfig()
	} else {
		storeCfg = store.DefaultConfig(s.config.StorePath)
	}

	st, err := store.Open(storeCfg)
	if err != nil {
		return err
	}
	s.messageStore = st
	return nil
}

// initWeaviate connects the optional vector store. Failure is not fatal:
// the service runs in lightweight mode without grounding.
func (s *service) initWeaviate() {
	raw := strings.Trim(s.config.WeaviateURL, "\"' ")
	if raw == "" {
		slog.Info("weaviate URL not configured, running in lightweight mode")
		return
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		slog.Warn("invalid weaviate URL, running in lightweight mode", "url", raw)
		return
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		slog.Warn("weaviate client creation failed, running in lightweight mode", "error", err)
		return
	}

	s.weaviateClient = client
	datatypes.EnsureWeaviateSchema(client)
	slog.Info("weaviate client initialized", "url", raw)
}

func (s *service) buildRetrieval() (retrieval.Searcher, retrieval.Indexer) {
	if s.weaviateClient == nil {
		return retrieval.NoopSearcher{}, nil
	}
	return retrieval.NewWeaviateQASearcher(s.weaviateClient, s.config.Deploy.Retrieval.TopK),
		retrieval.NewExchangeIndexer(s.weaviateClient)
}

// buildRegistries assembles the skill and post-text registries from the
// deploy configuration. A deploy with no skills enabled still gets a valid
// empty registry; routing then advertises nothing and every turn takes the
// text path.
func (s *service) buildRegistries() (*skills.Registry, *skills.PostTextRegistry, error) {
	var descriptors []skills.Descriptor
	deploy := s.config.Deploy

	if deploy.Skills.BalanceServiceURL != "" {
		balance := skills.NewBalanceSkill(deploy.Skills.BalanceServiceURL, nil, nil)
		descriptors = append(descriptors, balance.Descriptor())
		slog.Info("balance skill enabled", "endpoint", deploy.Skills.BalanceServiceURL)
	}

	if deploy.InfluxConfigured() && (deploy.Skills.MarketEnabled || deploy.Skills.SwapEnabled) {
		s.influxClient = influxdb2.NewClient(deploy.Influx.URL, influxAuthToken())
		queryAPI := s.influxClient.QueryAPI(deploy.Influx.Org)

		if deploy.Skills.MarketEnabled {
			market := skills.NewMarketSkillWithQueryAPI(queryAPI, deploy.Influx.Bucket, nil)
			descriptors = append(descriptors, market.Descriptor())
			slog.Info("market skill enabled", "bucket", deploy.Influx.Bucket)
		}
		if deploy.Skills.SwapEnabled {
			swap := skills.NewSwapSkill(queryAPI, deploy.Influx.Bucket, nil)
			descriptors = append(descriptors, swap.Descriptor())
			slog.Info("swap skill enabled", "bucket", deploy.Influx.Bucket)
		}
	}

	registry, err := skills.NewRegistry(descriptors...)
	if err != nil {
		return nil, nil, err
	}
	return registry, skills.DefaultPostTexts(), nil
}

// influxAuthToken reads the InfluxDB auth token from the environment. The
// token is a secret and never lives in the deploy file.
func influxAuthToken() string {
	token := os.Getenv("INFLUXDB_TOKEN")
	if token == "" {
		slog.Warn("INFLUXDB_TOKEN is not set; connecting to InfluxDB unauthenticated")
	}
	return token
}

func (s *service) initRouter(dispatcher *dispatch.Dispatcher, gate quota.Gate,
	indexer retrieval.Indexer) error {

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	var metrics *observability.DispatchMetrics
	if !s.config.DisableMetrics {
		metrics = observability.DefaultMetrics
	}
	chat, err := handlers.NewChatStreamHandler(dispatcher, gate, indexer, metrics, nil)
	if err != nil {
		return fmt.Errorf("build chat handler: %w", err)
	}

	s.router = gin.Default()
	if !s.config.DisableTracing {
		s.router.Use(otelgin.Middleware("kodiak-orchestrator"))
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Chat:          chat,
		History:       handlers.NewHistoryHandler(s.messageStore, nil),
		Admin:         handlers.NewAdminHandler(gate, nil),
		AdminAPIKey:   s.config.Deploy.AdminAPIKey,
		EnableMetrics: !s.config.DisableMetrics,
	})
	return nil
}

// cleanup releases everything New wired up, in reverse order.
func (s *service) cleanup() {
	if s.refresher != nil {
		s.refresher.Stop()
	}
	if s.influxClient != nil {
		s.influxClient.Close()
	}
	if s.messageStore != nil {
		if err := s.messageStore.Close(); err != nil {
			slog.Warn("message store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
