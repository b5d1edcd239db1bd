package demux

import (
	"archive/tar"
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/combust-labs/firebuild-multibuild/pkg/metadata"
	"github.com/combust-labs/firebuild-multibuild/pkg/tasks"
	"github.com/combust-labs/firebuild-multibuild/pkg/utilstest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func buildTar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// collectPack drains a task's pack concurrently with Run, which is required
// since PackWriter streams through an unbuffered io.Pipe: Run would block on
// its first WriteEntry if nothing read the other end.
func collectPack(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	out := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(body)
	}
	return out
}

func drainAll(t *testing.T, set *tasks.Set) (map[string]map[string]string, func()) {
	t.Helper()
	results := map[string]map[string]string{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, task := range set.Tasks {
		if task.External {
			continue
		}
		wg.Add(1)
		go func(task *tasks.BuildTask) {
			defer wg.Done()
			entries := collectPack(t, task.BuildStream)
			mu.Lock()
			results[task.ServiceName] = entries
			mu.Unlock()
		}(task)
	}
	return results, wg.Wait
}

// Single context plus one nested context.
func TestRun_SingleContext(t *testing.T) {
	set, err := tasks.FromDescriptors([]tasks.ImageDescriptor{
		{ServiceName: "s1", Context: "./"},
		{ServiceName: "s2", Context: "./s2"},
	})
	require.NoError(t, err)

	results, wait := drainAll(t, set)

	archive := buildTar(t, map[string]string{
		"Dockerfile":    "FROM s1\n",
		"s2/Dockerfile": "FROM s2\n",
	})

	require.NoError(t, Run(bytes.NewReader(archive), set, metadata.New(), nil))
	wait()

	require.Equal(t, map[string]string{
		"Dockerfile":    "FROM s1\n",
		"s2/Dockerfile": "FROM s2\n",
	}, results["s1"])
	require.Equal(t, map[string]string{
		"Dockerfile": "FROM s2\n",
	}, results["s2"])
}

// Multiple services sharing one context root.
func TestRun_SharedRoot(t *testing.T) {
	set, err := tasks.FromDescriptors([]tasks.ImageDescriptor{
		{ServiceName: "s1", Context: "./"},
		{ServiceName: "s2", Context: "./"},
	})
	require.NoError(t, err)

	results, wait := drainAll(t, set)

	archive := buildTar(t, map[string]string{
		"Dockerfile":       "FROM shared\n",
		"test1/Dockerfile": "FROM nested\n",
	})

	require.NoError(t, Run(bytes.NewReader(archive), set, metadata.New(), nil))
	wait()

	expected := map[string]string{
		"Dockerfile":       "FROM shared\n",
		"test1/Dockerfile": "FROM nested\n",
	}
	require.Equal(t, expected, results["s1"])
	require.Equal(t, expected, results["s2"])
}

// Service-declared alternate Dockerfile path.
func TestRun_AlternateDockerfile(t *testing.T) {
	set, err := tasks.FromDescriptors([]tasks.ImageDescriptor{
		{ServiceName: "s1", Context: "./test1"},
		{ServiceName: "s2", Context: ".", DockerfilePath: "test2/Dockerfile-alternate"},
	})
	require.NoError(t, err)

	results, wait := drainAll(t, set)

	archive := buildTar(t, map[string]string{
		"test1/Dockerfile":           "FROM s1\n",
		"test2/Dockerfile-alternate": "FROM s2\n",
	})

	require.NoError(t, Run(bytes.NewReader(archive), set, metadata.New(), nil))
	wait()

	require.Equal(t, map[string]string{"Dockerfile": "FROM s1\n"}, results["s1"])

	s2 := results["s2"]
	require.Equal(t, "FROM s2\n", s2[".resin/Dockerfile"])
	require.Equal(t, "FROM s1\n", s2["test1/Dockerfile"])
	require.Equal(t, "FROM s2\n", s2["test2/Dockerfile-alternate"])
	require.NotContains(t, s2, "Dockerfile")

	var s2Task *tasks.BuildTask
	for _, task := range set.Tasks {
		if task.ServiceName == "s2" {
			s2Task = task
		}
	}
	require.Equal(t, ".resin/Dockerfile", s2Task.DockerfilePath)
}

func TestRun_MetadataDirectoryIsInterceptedNotEmitted(t *testing.T) {
	set, err := tasks.FromDescriptors([]tasks.ImageDescriptor{
		{ServiceName: "s1", Context: "."},
	})
	require.NoError(t, err)

	results, wait := drainAll(t, set)

	store := metadata.New()
	archive := buildTar(t, map[string]string{
		"Dockerfile":          "FROM s1\n",
		".balena/balena.yml":  "build-variables:\n  global:\n    FOO: bar\n",
	})

	require.NoError(t, Run(bytes.NewReader(archive), set, store, nil))
	wait()

	require.Equal(t, map[string]string{"Dockerfile": "FROM s1\n"}, results["s1"])
	require.NoError(t, store.Parse())
	require.Equal(t, "bar", store.GetBuildVarsForService("s1")["FOO"])
}

func TestRun_QemuExecveForwardedDespiteMetadataDirectory(t *testing.T) {
	set, err := tasks.FromDescriptors([]tasks.ImageDescriptor{
		{ServiceName: "s1", Context: "."},
	})
	require.NoError(t, err)

	results, wait := drainAll(t, set)

	archive := buildTar(t, map[string]string{
		"Dockerfile":           "FROM s1\n",
		".balena/qemu-execve": "binary-content",
	})

	require.NoError(t, Run(bytes.NewReader(archive), set, metadata.New(), nil))
	wait()

	require.Equal(t, "binary-content", results["s1"][".balena/qemu-execve"])
}

func TestRun_MultipleMetadataDirectoriesIsFatal(t *testing.T) {
	set, err := tasks.FromDescriptors([]tasks.ImageDescriptor{
		{ServiceName: "s1", Context: "."},
	})
	require.NoError(t, err)

	// The run fails fatally; every pack must observe the failure on its
	// reader side instead of a clean end-of-archive. The reader runs
	// concurrently with Run, so its observation is polled for.
	var readerErr atomic.Value
	for _, task := range set.Tasks {
		go func(task *tasks.BuildTask) {
			if _, copyErr := io.Copy(io.Discard, task.BuildStream); copyErr != nil {
				readerErr.Store(copyErr)
			}
		}(task)
	}

	archive := buildTar(t, map[string]string{
		".balena/balena.yml": "{}",
		".resin/resin.yml":   "{}",
	})

	err = Run(bytes.NewReader(archive), set, metadata.New(), nil)
	require.Error(t, err)
	var me *metadata.MultipleMetadataDirectoryError
	require.ErrorAs(t, err, &me)

	utilstest.MustEventuallyWithDefaults(t, func() error {
		if readerErr.Load() == nil {
			return errors.New("pack reader has not observed the failure yet")
		}
		return nil
	})
	var te *TarError
	require.ErrorAs(t, readerErr.Load().(error), &te)
}

func TestRun_UnmatchedEntryIsDropped(t *testing.T) {
	set, err := tasks.FromDescriptors([]tasks.ImageDescriptor{
		{ServiceName: "s1", Context: "./s1"},
	})
	require.NoError(t, err)

	results, wait := drainAll(t, set)

	archive := buildTar(t, map[string]string{
		"s1/Dockerfile": "FROM s1\n",
		"other/file":    "irrelevant",
	})

	require.NoError(t, Run(bytes.NewReader(archive), set, metadata.New(), nil))
	wait()

	require.Equal(t, map[string]string{"Dockerfile": "FROM s1\n"}, results["s1"])
}
