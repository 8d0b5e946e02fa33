package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"aindrocode/internal/config"
)

// NewPlatform picks the sandbox platform named by cfg.Sandbox.Platform. In
// "auto" mode a configured remote service wins, then containerd on Linux,
// then the local docker daemon.
func NewPlatform(ctx context.Context, cfg *config.Config) (Platform, error) {
	sc := cfg.Sandbox
	preference := sc.Platform
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "remote":
		return newRemote(sc)
	case "docker":
		return newDocker(sc)
	case "containerd":
		return newContainerd(ctx, sc)
	case "auto":
		if sc.Remote.BaseURL != "" && sc.Remote.APIKey != "" {
			log.Info().Str("base_url", sc.Remote.BaseURL).Msg("using remote sandbox platform")
			return newRemote(sc)
		}

		if runtime.GOOS == "linux" {
			p, err := newContainerd(ctx, sc)
			if err == nil {
				log.Info().Msg("using containerd sandbox platform")
				return p, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		p, err := newDocker(sc)
		if err == nil {
			log.Info().Msg("using Docker sandbox platform")
			return p, nil
		}
		log.Warn().Err(err).Msg("docker unavailable")

		return nil, fmt.Errorf("%w: configure sandbox.remote, or install Docker (macOS/Windows) or containerd (Linux)", ErrPlatformUnavailable)
	default:
		return nil, fmt.Errorf("unknown sandbox platform %q: must be auto, remote, docker, or containerd", preference)
	}
}

func newRemote(sc config.SandboxConfig) (Platform, error) {
	p, err := NewRemotePlatform(RemoteOptions{
		BaseURL:        sc.Remote.BaseURL,
		APIKey:         sc.Remote.APIKey,
		RequestTimeout: sc.Remote.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newDocker(sc config.SandboxConfig) (Platform, error) {
	p, err := NewDockerPlatform(DockerOptions{
		Image:           sc.Docker.Image,
		Network:         sc.Docker.Network,
		WorkDir:         sc.WorkDir,
		Limits:          LimitsFromConfig(sc.DefaultLimits),
		CleanupInterval: sc.Docker.CleanupInterval,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newContainerd(ctx context.Context, sc config.SandboxConfig) (Platform, error) {
	p, err := NewContainerdPlatform(ctx, ContainerdOptions{
		Socket:    sc.Containerd.Socket,
		Namespace: sc.Containerd.Namespace,
		Image:     sc.Containerd.Image,
		WorkDir:   sc.WorkDir,
		Limits:    LimitsFromConfig(sc.DefaultLimits),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
