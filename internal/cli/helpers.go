package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fedimint/guardianctl/internal/daemon"
	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/setup"
)

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig() (daemon.Config, error) {
	if configPath != "" {
		return daemon.LoadConfigFile(configPath)
	}
	return daemon.LoadConfig()
}

func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.NewWithConfig(ctx, cfg)
}

// openSession opens the selected guardian's session, reads its status and
// authenticates with --password when the server asks for one.
func openSession(ctx context.Context) (*daemon.Daemon, *setup.Session, error) {
	d, err := openDaemon(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := d.Session(guardianID)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	res, err := s.Load(ctx)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	if res.NeedsAuth && password != "" {
		if err := s.Authenticate(ctx, password); err != nil {
			d.Close()
			return nil, nil, err
		}
	}
	return d, s, nil
}

func parseRole(s string) (domain.GuardianRole, error) {
	switch strings.ToLower(s) {
	case "host", "leader":
		return domain.RoleHost, nil
	case "follower", "join":
		return domain.RoleFollower, nil
	case "solo":
		return domain.RoleSolo, nil
	}
	return "", fmt.Errorf("unknown role %q (want host, follower or solo)", s)
}

// parseHashes turns ["1=abc", "2=def"] into a peer id to hash map.
func parseHashes(pairs []string) (map[int]string, error) {
	out := make(map[int]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("hash %q: want <peer id>=<hash>", p)
		}
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("hash %q: peer id: %w", p, err)
		}
		out[id] = v
	}
	return out, nil
}

// parseMeta turns ["federation_name=Foo"] into a meta map.
func parseMeta(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("meta %q: want <key>=<value>", p)
		}
		out[k] = v
	}
	return out, nil
}
