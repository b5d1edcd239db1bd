package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"

	"github.com/combust-labs/firebuild-multibuild/pkg/daemon"
	"github.com/docker/docker/api/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// recordedBuild captures one fake daemon build invocation: the context
// entries as the daemon would have received them, plus the build options.
type recordedBuild struct {
	entries    map[string]string
	dockerfile string
	opts       daemon.BuildOptions
}

type fakeDaemon struct {
	apiVersion string

	mu     sync.Mutex
	builds []recordedBuild
	pulls  []string
}

func (f *fakeDaemon) APIVersion(ctx context.Context) (string, error) {
	if f.apiVersion == "" {
		return "1.41", nil
	}
	return f.apiVersion, nil
}

func (f *fakeDaemon) ManifestMediaType(ctx context.Context, imageRef string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeDaemon) Pull(ctx context.Context, imageRef string, registryAuth string, progress func(daemon.PullEvent)) error {
	f.mu.Lock()
	f.pulls = append(f.pulls, imageRef)
	f.mu.Unlock()
	if progress != nil {
		progress(daemon.PullEvent{Status: "Pulling from " + imageRef})
	}
	return nil
}

func (f *fakeDaemon) Build(ctx context.Context, buildContext io.Reader, opts daemon.BuildOptions) (<-chan daemon.BuildEvent, <-chan error, error) {
	entries := map[string]string{}
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		body, readErr := ioutil.ReadAll(tr)
		if readErr != nil {
			return nil, nil, readErr
		}
		entries[hdr.Name] = string(body)
	}

	dockerfileName := opts.Dockerfile
	if dockerfileName == "" {
		dockerfileName = "Dockerfile"
	}
	dockerfile := entries[dockerfileName]

	f.mu.Lock()
	f.builds = append(f.builds, recordedBuild{entries: entries, dockerfile: dockerfile, opts: opts})
	f.mu.Unlock()

	events := make(chan daemon.BuildEvent, 8)
	result := make(chan error, 1)
	go func() {
		defer close(events)
		events <- daemon.BuildEvent{Stream: "Step 1/2 : FROM alpine\n"}
		events <- daemon.BuildEvent{Stream: " ---> aabbccddeeff\n"}
		if strings.Contains(dockerfile, "BADINSTRUCTION") {
			result <- errors.New("Dockerfile parse error line 1: unknown instruction: BADINSTRUCTION")
			return
		}
		events <- daemon.BuildEvent{Aux: &types.BuildResult{ID: "sha256:deadbeef"}}
		result <- nil
	}()
	return events, result, nil
}

func (f *fakeDaemon) buildForDockerfile(marker string) (recordedBuild, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.builds {
		if strings.Contains(b.dockerfile, marker) {
			return b, true
		}
	}
	return recordedBuild{}, false
}

func archiveOf(t *testing.T, files map[string]string) *bytes.Buffer {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf
}

func TestRun_DemuxesPerServiceContexts(t *testing.T) {
	compositionDoc := []byte(`
services:
  s1:
    build:
      context: "./"
  s2:
    build:
      context: "./s2"
`)
	archive := archiveOf(t, map[string]string{
		"Dockerfile":    "FROM alpine\n# root\n",
		"s2/Dockerfile": "FROM alpine\n# nested\n",
	})

	d := &fakeDaemon{}
	results, err := Run(context.Background(), d, nil, compositionDoc, archive, Options{Arch: "amd64"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "s1", results[0].ServiceName)
	require.Equal(t, "s2", results[1].ServiceName)
	require.True(t, results[0].Successful)
	require.True(t, results[1].Successful)

	rootBuild, ok := d.buildForDockerfile("# root")
	require.True(t, ok)
	require.Contains(t, rootBuild.entries, "Dockerfile")
	require.Contains(t, rootBuild.entries, "s2/Dockerfile")
	require.Equal(t, "linux/amd64", rootBuild.opts.Platform)

	nestedBuild, ok := d.buildForDockerfile("# nested")
	require.True(t, ok)
	require.Contains(t, nestedBuild.entries, "Dockerfile")
	require.NotContains(t, nestedBuild.entries, "s2/Dockerfile")
}

func TestRun_AlternateDockerfileLandsAtReservedPath(t *testing.T) {
	compositionDoc := []byte(`
services:
  s2:
    build:
      context: "./"
      dockerfile: "test2/Dockerfile-alternate"
`)
	archive := archiveOf(t, map[string]string{
		"test2/Dockerfile-alternate": "FROM alpine\n# alternate\n",
	})

	d := &fakeDaemon{}
	results, err := Run(context.Background(), d, nil, compositionDoc, archive, Options{Arch: "amd64"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Successful)

	build, ok := d.buildForDockerfile("# alternate")
	require.True(t, ok)
	require.Equal(t, ".resin/Dockerfile", build.opts.Dockerfile)
	require.Equal(t, "FROM alpine\n# alternate\n", build.entries[".resin/Dockerfile"])
}

func TestRun_BuildFailurePreservesPartialLayerChain(t *testing.T) {
	compositionDoc := []byte(`
services:
  broken:
    build:
      context: "./"
`)
	archive := archiveOf(t, map[string]string{
		"Dockerfile": "BADINSTRUCTION something\n",
	})

	d := &fakeDaemon{}
	results, err := Run(context.Background(), d, nil, compositionDoc, archive, Options{Arch: "amd64"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	require.False(t, result.Successful)
	require.Error(t, result.Error)
	require.Contains(t, result.Error.Error(), "Dockerfile parse error line 1: unknown instruction:")
	require.NotEmpty(t, result.Layers)
	require.Equal(t, result.Layers[len(result.Layers)-1], result.Name)
	require.False(t, result.EndTime.Before(result.StartTime))
}

func TestRun_ExternalImagePullAppendsDefaultTag(t *testing.T) {
	compositionDoc := []byte(`
services:
  cache:
    image: alpine
`)
	archive := archiveOf(t, map[string]string{})

	d := &fakeDaemon{}
	results, err := Run(context.Background(), d, nil, compositionDoc, archive, Options{}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Successful)
	require.True(t, results[0].External)
	require.Equal(t, "alpine:latest", results[0].Name)
	require.Equal(t, []string{"alpine:latest"}, d.pulls)
}

func TestRun_MetadataBuildVariablesReachBuildArgs(t *testing.T) {
	compositionDoc := []byte(`
services:
  web:
    build:
      context: "./"
`)
	archive := archiveOf(t, map[string]string{
		"Dockerfile": "FROM alpine\n# vars\n",
		".balena/balena.yml": `
build-variables:
  global:
    GLOBAL_VAR: one
  services:
    web:
      SERVICE_VAR: two
`,
	})

	d := &fakeDaemon{}
	results, err := Run(context.Background(), d, nil, compositionDoc, archive, Options{Arch: "amd64"}, nil)
	require.NoError(t, err)
	require.True(t, results[0].Successful)

	build, ok := d.buildForDockerfile("# vars")
	require.True(t, ok)
	require.Equal(t, "one", *build.opts.BuildArgs["GLOBAL_VAR"])
	require.Equal(t, "two", *build.opts.BuildArgs["SERVICE_VAR"])
}

func TestRun_MetadataDirectoryNeverReachesContexts(t *testing.T) {
	compositionDoc := []byte(`
services:
  web:
    build:
      context: "./"
`)
	archive := archiveOf(t, map[string]string{
		"Dockerfile":         "FROM alpine\n# clean\n",
		".balena/balena.yml": "build-variables:\n  global:\n    A: b\n",
	})

	d := &fakeDaemon{}
	_, err := Run(context.Background(), d, nil, compositionDoc, archive, Options{Arch: "amd64"}, nil)
	require.NoError(t, err)

	build, ok := d.buildForDockerfile("# clean")
	require.True(t, ok)
	for name := range build.entries {
		require.False(t, strings.HasPrefix(name, ".balena/"), "metadata entry leaked into context: %s", name)
	}
}
