// Command mcp serves trustscore session lookups as MCP tools over stdio, so
// an LLM client can inspect sessions, assessments and health.
//
// Environment:
//
//	TRUSTSCORE_API_URL       server base URL (default http://localhost:8080)
//	TRUSTSCORE_ADMIN_SECRET  admin secret for the blacklist tool
package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/trustscore/internal/logging"
	"github.com/mbd888/trustscore/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	// stdout carries the protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	apiURL := os.Getenv("TRUSTSCORE_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	if u, err := url.Parse(apiURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		fmt.Fprintf(os.Stderr, "invalid TRUSTSCORE_API_URL %q\n", apiURL)
		os.Exit(2)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL:      apiURL,
		AdminSecret: os.Getenv("TRUSTSCORE_ADMIN_SECRET"),
	}, Version)

	logger.Info("trustscore mcp server starting", "version", Version, "api", apiURL)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
