// Package daemon wraps the subset of the Docker Engine API that
// PlatformPolicy and BuildDriver need, the same way firebuild's
// pkg/containers wraps docker/docker/client for container lifecycle
// operations.
package daemon

import (
	"context"
	"encoding/json"
	"io"

	"github.com/docker/docker/api/types"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/pkg/errors"
)

// Client is the daemon handle shared across all concurrent build/pull/
// manifest-lookup calls in one invocation. It is safe for concurrent use:
// every method call opens its own request against docker/docker/client,
// which is itself safe under concurrent use.
type Client struct {
	raw *docker.Client
}

// New wraps an already-constructed docker/docker/client.Client.
func New(raw *docker.Client) *Client {
	return &Client{raw: raw}
}

// NewFromEnvironment returns a daemon Client configured from the standard
// DOCKER_HOST/DOCKER_CERT_PATH/DOCKER_TLS_VERIFY environment variables.
func NewFromEnvironment() (*Client, error) {
	raw, err := docker.NewEnvClient()
	if err != nil {
		return nil, errors.Wrap(err, "daemon: failed constructing Docker client")
	}
	return &Client{raw: raw}, nil
}

// APIVersion returns the daemon's negotiated API version string (e.g.
// "1.41"), used by PlatformPolicy to gate --platform support.
func (c *Client) APIVersion(ctx context.Context) (string, error) {
	version, err := c.raw.ServerVersion(ctx)
	if err != nil {
		return "", errors.Wrap(err, "daemon: failed fetching server version")
	}
	return version.APIVersion, nil
}

// ManifestMediaType returns the cached local media type for imageRef's
// distribution manifest, and false when the daemon has no cached
// distribution information for it (PlatformPolicy must then assume v2).
func (c *Client) ManifestMediaType(ctx context.Context, imageRef string) (string, bool, error) {
	info, err := c.raw.DistributionInspect(ctx, imageRef, "")
	if err != nil {
		return "", false, nil
	}
	if info.Descriptor.MediaType == "" {
		return "", false, nil
	}
	return info.Descriptor.MediaType, true, nil
}

// BuildOptions configures one daemon build invocation.
type BuildOptions struct {
	Dockerfile      string
	Tags            []string
	BuildArgs       map[string]*string
	Labels          map[string]string
	Platform        string
	RegistryConfigs map[string]types.AuthConfig
	// SecretsDir, when set, is a host directory the caller wants bound at
	// /run/secrets:ro for the duration of the build. The stock Docker Engine
	// build API (what docker/docker/client.ImageBuild speaks here) has no
	// such hook; only a BuildKit session (or a daemon fork that extends the
	// classic endpoint, e.g. balena-engine) can honor it. Build does not
	// forward this field to ImageBuild and does not bind the directory: the
	// daemon never sees it.
	SecretsDir string
}

// BuildEvent is one decoded line of the daemon's build response stream.
type BuildEvent struct {
	Stream string
	Status string
	ID     string
	Error  string
	Aux    *types.BuildResult
}

// Build opens a build stream against buildContext and returns a channel of
// decoded events plus a channel that receives exactly one final error (nil
// on success) once the stream closes.
func (c *Client) Build(ctx context.Context, buildContext io.Reader, opts BuildOptions) (<-chan BuildEvent, <-chan error, error) {
	response, err := c.raw.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile:  opts.Dockerfile,
		Tags:        opts.Tags,
		BuildArgs:   opts.BuildArgs,
		Labels:      opts.Labels,
		Platform:    opts.Platform,
		AuthConfigs: opts.RegistryConfigs,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "daemon: failed starting image build")
	}

	events := make(chan BuildEvent)
	result := make(chan error, 1)

	go func() {
		defer response.Body.Close()
		defer close(events)

		decoder := json.NewDecoder(response.Body)
		for {
			var msg jsonmessage.JSONMessage
			if err := decoder.Decode(&msg); err != nil {
				if err == io.EOF {
					result <- nil
					return
				}
				result <- errors.Wrap(err, "daemon: failed decoding build response stream")
				return
			}

			event := BuildEvent{Stream: msg.Stream, Status: msg.Status, ID: msg.ID}
			if msg.Error != nil {
				event.Error = msg.Error.Message
			}
			if msg.Aux != nil {
				buildResult := &types.BuildResult{}
				if jsonErr := json.Unmarshal(*msg.Aux, buildResult); jsonErr == nil && buildResult.ID != "" {
					event.Aux = buildResult
				}
			}

			select {
			case events <- event:
			case <-ctx.Done():
				result <- ctx.Err()
				return
			}

			if msg.Error != nil {
				result <- errors.New(msg.Error.Message)
				return
			}
		}
	}()

	return events, result, nil
}

// PullEvent is one decoded line of the daemon's pull progress stream.
type PullEvent struct {
	Status string
	ID     string
}

// Pull pulls imageRef, invoking progress for each decoded status line.
func (c *Client) Pull(ctx context.Context, imageRef string, registryAuth string, progress func(PullEvent)) error {
	reader, err := c.raw.ImagePull(ctx, imageRef, types.ImagePullOptions{RegistryAuth: registryAuth})
	if err != nil {
		return errors.Wrap(err, "daemon: failed starting image pull")
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "daemon: failed decoding pull response stream")
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
		if progress != nil {
			progress(PullEvent{Status: msg.Status, ID: msg.ID})
		}
	}
}
