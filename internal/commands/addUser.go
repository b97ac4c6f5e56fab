package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"parley/internal/api"
	"parley/internal/config"
)

// AddUser seeds a user profile through the admin API of a running server.
func AddUser(userID, displayName string, cfg *config.Config) error {
	result, err := post(cfg, "/admin/users", api.AddUserRequest{ID: userID, DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}

	fmt.Printf("\n%s\n", result.Message)
	return nil
}

func post(cfg *config.Config, path string, body any) (api.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return api.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return api.Response{}, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return api.Response{}, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var result api.Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return api.Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
