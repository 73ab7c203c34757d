package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// enrollRequest is the token exchange sent to the orchestrator.
type enrollRequest struct {
	Token  string `json:"token"`
	NodeID string `json:"node_id"`
}

// enrollResponse carries the credentials the orchestrator issues for the node.
type enrollResponse struct {
	APIKey string `json:"api_key"`
	NodeID string `json:"node_id"`
	Error  string `json:"error,omitempty"`
}

// Enroll exchanges a dashboard token for node credentials. It runs before a
// Client can exist, so it is a standalone call with no retry policy; the
// operator re-runs the command on failure.
func Enroll(ctx context.Context, orchestratorURL, token, nodeID string) (Credentials, error) {
	var creds Credentials

	orchestratorURL = strings.TrimRight(orchestratorURL, "/")

	body, err := json.Marshal(enrollRequest{Token: token, NodeID: nodeID})
	if err != nil {
		return creds, fmt.Errorf("failed to encode enrollment request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, orchestratorURL+"/provider/enroll", bytes.NewReader(body))
	if err != nil {
		return creds, fmt.Errorf("failed to build enrollment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return creds, fmt.Errorf("enrollment request failed: %w", err)
	}
	defer resp.Body.Close()

	var enrollResp enrollResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&enrollResp); err != nil {
		return creds, fmt.Errorf("malformed enrollment response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if enrollResp.Error != "" {
			return creds, fmt.Errorf("enrollment rejected: %s", enrollResp.Error)
		}
		return creds, fmt.Errorf("enrollment rejected with status %d", resp.StatusCode)
	}

	creds = Credentials{
		OrchestratorURL: orchestratorURL,
		APIKey:          enrollResp.APIKey,
		NodeID:          enrollResp.NodeID,
	}
	if creds.NodeID == "" {
		creds.NodeID = nodeID
	}

	if err := creds.Validate(); err != nil {
		return creds, fmt.Errorf("orchestrator returned incomplete credentials: %w", err)
	}

	return creds, nil
}
