package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
)

// register reports this device's identity against its enrollment token.
// Safe to repeat: the server refreshes the record on every call.
func register(serverURL, token, deviceType string) error {
	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	reqBody, err := json.Marshal(dto.RegisterAgentRequest{
		Token:      token,
		Hostname:   hostname,
		Username:   username,
		DeviceType: deviceType,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + "/agents/register"
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registration failed (HTTP %d): %s", resp.StatusCode, string(body))
	}
	return nil
}
