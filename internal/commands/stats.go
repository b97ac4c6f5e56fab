package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"parley/internal/config"
	"parley/internal/gateway"
)

func Stats(cfg *config.Config) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/admin/stats", cfg.AdminAddr))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to get stats (Status: %d): %s", resp.StatusCode, string(body))
	}

	var stats gateway.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Connections:    %d\n", stats.Connections)
	fmt.Printf("Online users:   %d\n", stats.OnlineUsers)
	fmt.Printf("Rooms:          %d\n", stats.Rooms)
	fmt.Printf("Waiting:        %d\n", stats.Waiting)
	fmt.Printf("Active matches: %d\n", stats.Matches)
	return nil
}
