// Package demux implements TarDemux: it reads one input tar archive and
// routes each entry into the output pack of every build task whose context
// contains it, while intercepting the reserved metadata directory for
// MetadataStore.
package demux

import (
	"archive/tar"
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"strings"

	"github.com/combust-labs/firebuild-multibuild/pkg/metadata"
	"github.com/combust-labs/firebuild-multibuild/pkg/pathops"
	"github.com/combust-labs/firebuild-multibuild/pkg/tasks"
	"github.com/hashicorp/go-hclog"
)

const alternateDockerfileName = ".resin/Dockerfile"
const qemuExecveName = "qemu-execve"

// TarError wraps any tar framing or output-pack write failure. It is fatal
// for the whole invocation.
type TarError struct {
	Cause error
}

func (e *TarError) Error() string {
	return fmt.Sprintf("demux: tar error: %v", e.Cause)
}

func (e *TarError) Unwrap() error {
	return e.Cause
}

type altTarget struct {
	task *tasks.BuildTask
	name string // archive-relative path of the task's declared alternate Dockerfile
}

// Run consumes input to end-of-archive, distributing entries to every
// matching build task's pack and to store for metadata-directory entries.
// Every non-external task's pack is finalized exactly once; on any error,
// every pack still open is failed with that error instead.
func Run(input io.Reader, set *tasks.Set, store *metadata.Store, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	buildTasks := make([]*tasks.BuildTask, 0, len(set.Tasks))
	for _, t := range set.Tasks {
		if !t.External {
			buildTasks = append(buildTasks, t)
		}
	}

	altTargets := make([]altTarget, 0)
	for _, t := range buildTasks {
		if t.DockerfilePath == "" {
			continue
		}
		altTargets = append(altTargets, altTarget{
			task: t,
			name: pathops.Normalize(path.Join(t.Context, t.DockerfilePath)),
		})
	}

	fail := func(err error) error {
		wrapped := &TarError{Cause: err}
		for _, t := range buildTasks {
			t.BuildPack.Fail(wrapped)
		}
		return wrapped
	}

	tr := tar.NewReader(input)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := pathops.Normalize(hdr.Name)
		metaDir, underMetadata := metadataDirFor(name)

		if underMetadata && path.Base(name) != qemuExecveName {
			relative := strings.TrimPrefix(name, metaDir+"/")
			body, readErr := ioutil.ReadAll(io.LimitReader(tr, hdr.Size))
			if readErr != nil {
				return fail(readErr)
			}
			if err := store.AddFile(metaDir, relative, body); err != nil {
				return fail(err)
			}
			continue
		}

		matched := false
		for _, t := range buildTasks {
			if pathops.Contains(t.Context, name) {
				matched = true
				break
			}
		}
		isAlt := false
		for _, alt := range altTargets {
			if alt.name == name {
				isAlt = true
				break
			}
		}

		if !matched && !isAlt {
			if _, err := io.Copy(ioutil.Discard, tr); err != nil {
				return fail(err)
			}
			continue
		}

		body, readErr := ioutil.ReadAll(io.LimitReader(tr, hdr.Size))
		if readErr != nil {
			return fail(readErr)
		}

		for _, t := range buildTasks {
			if pathops.Contains(t.Context, name) {
				entryName := pathops.Relative(t.Context, name)
				if err := t.BuildPack.WriteEntry(entryName, body); err != nil {
					return fail(err)
				}
			}
		}

		for _, alt := range altTargets {
			if alt.name != name {
				continue
			}
			if err := alt.task.BuildPack.WriteEntry(alternateDockerfileName, body); err != nil {
				return fail(err)
			}
			alt.task.DockerfilePath = alternateDockerfileName
		}
	}

	for _, t := range buildTasks {
		if err := t.BuildPack.Finalize(); err != nil {
			return fail(err)
		}
	}

	logger.Debug("demux complete", "tasks", len(buildTasks))
	return nil
}

// metadataDirFor returns the metadata directory name ("`.balena`" or
// "`.resin`") that name falls under, and whether it falls under one at all.
func metadataDirFor(name string) (string, bool) {
	for _, dir := range metadata.MetadataDirectories {
		if name == dir || strings.HasPrefix(name, dir+"/") {
			return dir, true
		}
	}
	return "", false
}
