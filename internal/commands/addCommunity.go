package commands

import (
	"fmt"
	"strings"

	"parley/internal/api"
	"parley/internal/config"
)

// AddCommunity seeds a community. members is a comma separated list of user
// ids.
func AddCommunity(communityID, members string, cfg *config.Config) error {
	var ids []string
	for _, m := range strings.Split(members, ",") {
		if m = strings.TrimSpace(m); m != "" {
			ids = append(ids, m)
		}
	}

	result, err := post(cfg, "/admin/communities", api.AddCommunityRequest{ID: communityID, Members: ids})
	if err != nil {
		return fmt.Errorf("failed to add community: %w", err)
	}

	fmt.Printf("\n%s\n", result.Message)
	return nil
}
