// Settlement MCP server - exposes marketplace operator actions as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cropstack/settlement/internal/mcpserver"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:    envOrDefault("SETTLEMENT_API_URL", "http://localhost:8080"),
		ActorID:   os.Getenv("SETTLEMENT_ACTOR_ID"),
		ActorRole: envOrDefault("SETTLEMENT_ACTOR_ROLE", "operator"),
		ActorName: os.Getenv("SETTLEMENT_ACTOR_NAME"),
	}

	if cfg.ActorID == "" {
		fmt.Fprintln(os.Stderr, "SETTLEMENT_ACTOR_ID is required")
		os.Exit(1)
	}
	if cfg.ActorRole != "operator" && cfg.ActorRole != "verifier" {
		fmt.Fprintln(os.Stderr, "SETTLEMENT_ACTOR_ROLE must be operator or verifier")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
