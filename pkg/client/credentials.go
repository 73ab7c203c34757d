package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials are produced by enrollment and consumed at startup to
// construct the orchestrator client.
type Credentials struct {
	OrchestratorURL string `json:"orchestrator_url"`
	APIKey          string `json:"api_key"`
	NodeID          string `json:"node_id"`
}

// Validate checks that all fields required to talk to the orchestrator are set.
func (c Credentials) Validate() error {
	if c.OrchestratorURL == "" {
		return fmt.Errorf("orchestrator URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("node ID is required")
	}
	return nil
}

// LoadCredentials reads a credentials file written by enrollment.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials

	data, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("failed to read credentials file: %w", err)
	}

	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	if err := creds.Validate(); err != nil {
		return creds, fmt.Errorf("invalid credentials file %s: %w", path, err)
	}

	return creds, nil
}

// SaveCredentials persists credentials with owner-only permissions.
func SaveCredentials(path string, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}

	return nil
}
