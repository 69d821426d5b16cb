package docker

import (
	"context"
	"log/slog"
)

// Introspector reports the ports an image declares.
type Introspector interface {
	ExposedPorts(ctx context.Context, image string) ([]ExposedPort, error)
}

// ImageIntrospector pulls images on demand and reads their exposed ports.
// Port declarations are a hint, so every engine failure degrades to "no ports
// known" and is only logged.
type ImageIntrospector struct {
	client Client
	logger *slog.Logger
}

// NewImageIntrospector creates an introspector. A nil client yields an
// introspector that never knows any ports.
func NewImageIntrospector(client Client, logger *slog.Logger) *ImageIntrospector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageIntrospector{
		client: client,
		logger: logger.With("component", "image_introspector"),
	}
}

// ExposedPorts returns the image's declared ports, pulling it first when it is
// not present locally. The error is reserved for context cancellation.
func (i *ImageIntrospector) ExposedPorts(ctx context.Context, image string) ([]ExposedPort, error) {
	if i.client == nil || image == "" {
		return nil, nil
	}

	exists, err := i.client.ImageExists(ctx, image)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		i.logger.Warn("failed to look up image", "image", image, "error", err)
		return nil, nil
	}

	if !exists {
		i.logger.Info("pulling image", "image", image)
		if err := i.client.PullImage(ctx, image, PullOptions{}); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			i.logger.Warn("failed to pull image, exposed ports unknown", "image", image, "error", err)
			return nil, nil
		}
	}

	info, err := i.client.InspectImage(ctx, image)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		i.logger.Warn("failed to inspect image", "image", image, "error", err)
		return nil, nil
	}

	i.logger.Debug("image inspected", "image", image, "exposed_ports", len(info.ExposedPorts))
	return info.ExposedPorts, nil
}
