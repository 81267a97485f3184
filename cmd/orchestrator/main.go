// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator runs the chat dispatch service.
//
// Configuration comes from the environment plus an optional YAML deploy
// file (KODIAK_CONFIG_PATH). Secrets (OPENAI_API_KEY) are environment-only.
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/KodiakAI/KodiakChat/services/orchestrator"
	"github.com/KodiakAI/KodiakChat/services/orchestrator/config"
)

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback",
			"key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return n
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	deploy, err := config.Load(os.Getenv("KODIAK_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load deploy config: %v", err)
	}

	cfg := orchestrator.Config{
		Port:          getEnvInt("ORCHESTRATOR_PORT", 12310),
		GinMode:       os.Getenv("GIN_MODE"),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "kodiak-otel-collector:4317"),
		WeaviateURL:   os.Getenv("WEAVIATE_SERVICE_URL"),
		StorePath:     getEnvString("MESSAGE_STORE_PATH", "./data/messages"),
		Deploy:        deploy,
	}

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize orchestrator: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
