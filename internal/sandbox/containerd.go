package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// containerdConn is a containerd client pinned to one namespace.
type containerdConn struct {
	api       *containerd.Client
	namespace string
	closed    atomic.Bool
}

func dialContainerd(ctx context.Context, socket, namespace string) (*containerdConn, error) {
	api, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrPlatformUnavailable, socket, err)
	}

	v, err := api.Version(ctx)
	if err != nil {
		_ = api.Close()
		return nil, fmt.Errorf("%w: containerd not responding on %s: %v", ErrPlatformUnavailable, socket, err)
	}

	log.Info().Str("socket", socket).Str("namespace", namespace).Str("version", v.Version).Msg("containerd connected")
	return &containerdConn{api: api, namespace: namespace}, nil
}

func (c *containerdConn) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *containerdConn) healthy(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	ok, err := c.api.IsServing(ctx)
	return err == nil && ok
}

func (c *containerdConn) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.api.Close()
}

// ensureImage returns ref from the content store, pulling and unpacking it
// if it is not there yet.
func (c *containerdConn) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.ns(ctx)
	if img, err := c.api.GetImage(ctx, ref); err == nil {
		return img, nil
	}

	start := time.Now()
	img, err := c.api.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Dur("took", time.Since(start)).Msg("sandbox image pulled")
	return img, nil
}
