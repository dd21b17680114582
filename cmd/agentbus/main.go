package main

import (
	"flag"
	"log"
	"os"

	"github.com/agentbus-dev/agentbus"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Configuration file (empty = built-in defaults)")
	_          = flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level")
)

func main() {
	flag.Parse()

	log.Printf("Starting AgentBus v%s", Version)
	if *configFile != "" {
		log.Printf("Config: %s", *configFile)
	}

	if err := agentbus.Run(*configFile); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
