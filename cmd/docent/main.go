package main

import (
	"fmt"
	"os"
	"time"

	"github.com/docentlabs/docent/common/environment"
	"github.com/docentlabs/docent/common/version"
	"github.com/docentlabs/docent/internal/docent/app"
	"github.com/docentlabs/docent/internal/docent/platform"
)

func main() {
	fmt.Printf("Docent Documentation Assistant\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	docent, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Docent: %v\n", err)
		os.Exit(1)
	}
	defer docent.Stop()

	if err := docent.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Docent: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration from environment variables. Required
// variables abort startup with a descriptive error.
func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("DOCENT_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("DOCENT_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("DOCENT_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}
	channels, err := environment.RequiredStringSlice("DOCENT_CHANNELS")
	if err != nil {
		return nil, err
	}
	apiKey, err := environment.RequiredString("OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}

	return &app.Config{
		DatabasePath: environment.StringOr("DOCENT_DB_PATH", "./docent.db"),
		Matrix: platform.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			Channels:    channels,
		},
		ProfilePath:   environment.StringOr("DOCENT_PROFILE", ""),
		Expiry:        environment.DurationOr("DOCENT_EXPIRY", 2*time.Minute),
		ReapInterval:  environment.DurationOr("DOCENT_REAP_INTERVAL", 5*time.Second),
		OpenAIAPIKey:  apiKey,
		OpenAIBaseURL: environment.StringOr("OPENAI_BASE_URL", ""),
		OpenAIModel:   environment.StringOr("OPENAI_MODEL", ""),
		QdrantURL:     environment.StringOr("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:  environment.StringOr("QDRANT_API_KEY", ""),
		HTTPAddr:      environment.StringOr("DOCENT_HTTP_ADDR", ""),
		ShutdownGrace: environment.DurationOr("DOCENT_SHUTDOWN_GRACE", 15*time.Second),
	}, nil
}
