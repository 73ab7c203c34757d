package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"go.uber.org/zap"

	"github.com/loomgrid/loom/pkg/observability"
)

// EnsureImage pulls the image if it is not already present and verifies the
// digest when the reference is pinned. Pull attempts are bounded; exhausting
// them yields an ImageError and the job fails without a container.
func (a *ContainerdAdapter) EnsureImage(ctx context.Context, ref, digest string) error {
	ctx = a.withNamespace(ctx)

	if img, err := a.client.GetImage(ctx, ref); err == nil {
		if digest != "" && img.Target().Digest.String() != digest {
			return &ImageError{Ref: ref, Err: fmt.Errorf("local image digest %s does not match pinned %s",
				img.Target().Digest, digest)}
		}
		return nil
	} else if !errdefs.IsNotFound(err) {
		return &ImageError{Ref: ref, Err: fmt.Errorf("failed to inspect image: %w", err)}
	}

	var lastErr error
	for attempt := 1; attempt <= a.config.PullRetries; attempt++ {
		a.logger.Info("Pulling image",
			zap.String("image", ref),
			zap.Int("attempt", attempt),
		)

		start := time.Now()
		img, err := a.client.Pull(ctx, ref, containerd.WithPullUnpack)
		if err == nil {
			observability.ImagePullDurationSeconds.Observe(time.Since(start).Seconds())

			if digest != "" && img.Target().Digest.String() != digest {
				return &ImageError{Ref: ref, Err: fmt.Errorf("pulled digest %s does not match pinned %s",
					img.Target().Digest, digest)}
			}

			a.logger.Info("Image pulled successfully",
				zap.String("image", ref),
				zap.String("digest", img.Target().Digest.String()),
			)
			return nil
		}

		lastErr = err
		a.logger.Warn("Image pull failed",
			zap.String("image", ref),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			break
		}
		if attempt < a.config.PullRetries {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
			}
		}
	}

	return &ImageError{Ref: ref, Err: fmt.Errorf("pull failed after %d attempts: %w", a.config.PullRetries, lastErr)}
}
