// Package platform implements PlatformPolicy: it decides whether a build
// may be handed a target --platform, based on the daemon's API version and
// the manifest schema of the Dockerfile's FROM images.
package platform

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/versions"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// minPlatformAPIVersion is the lowest Docker Engine API version that
// accepts a --platform build option.
const minPlatformAPIVersion = "1.38"

// Daemon is the subset of pkg/daemon.Client PlatformPolicy depends on.
type Daemon interface {
	APIVersion(ctx context.Context) (string, error)
	ManifestMediaType(ctx context.Context, imageRef string) (string, bool, error)
}

// Decision is the outcome of evaluating one Dockerfile.
type Decision struct {
	PassPlatform bool
	Warnings     []string
}

// ExtractFromImages returns the ordered list of image references named by
// FROM instructions in dockerfileContent, ignoring any leading
// --platform=... flag token.
func ExtractFromImages(dockerfileContent string) ([]string, error) {
	result, err := parser.Parse(bytes.NewReader([]byte(dockerfileContent)))
	if err != nil {
		return nil, err
	}

	refs := []string{}
	for _, child := range result.AST.Children {
		if !strings.EqualFold(child.Value, "from") {
			continue
		}
		current := child.Next
		for current != nil {
			if strings.HasPrefix(current.Value, "--") {
				current = current.Next
				continue
			}
			refs = append(refs, current.Value)
			break
		}
	}
	return refs, nil
}

// Evaluate decides whether platform may be passed for a build whose
// Dockerfile is dockerfileContent, against the given daemon.
func Evaluate(ctx context.Context, d Daemon, dockerfileContent string) (*Decision, error) {
	apiVersion, err := d.APIVersion(ctx)
	if err != nil {
		return nil, err
	}
	if versions.LessThan(apiVersion, minPlatformAPIVersion) {
		return &Decision{PassPlatform: false}, nil
	}

	refs, err := ExtractFromImages(dockerfileContent)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return &Decision{PassPlatform: true}, nil
	}

	type lookup struct {
		ref      string
		v1Schema bool
	}
	results := make([]lookup, len(refs))

	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			mediaType, ok, _ := d.ManifestMediaType(ctx, ref)
			// Unavailable locally: assume v2 (pass platform).
			isV1 := ok && strings.Contains(mediaType, "vnd.docker.container.image.v1")
			results[i] = lookup{ref: ref, v1Schema: isV1}
		}(i, ref)
	}
	wg.Wait()

	v1Refs := []string{}
	v2Refs := []string{}
	for _, r := range results {
		if r.v1Schema {
			v1Refs = append(v1Refs, r.ref)
		} else {
			v2Refs = append(v2Refs, r.ref)
		}
	}

	if len(v1Refs) == 0 {
		return &Decision{PassPlatform: true}, nil
	}

	warning := "schema-v1 base image(s), not passing --platform: " + strings.Join(v1Refs, ", ")
	if len(v2Refs) > 0 {
		warning += " (schema-v2: " + strings.Join(v2Refs, ", ") + ")"
	}
	return &Decision{PassPlatform: false, Warnings: []string{warning}}, nil
}
