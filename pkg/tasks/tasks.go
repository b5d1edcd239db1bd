// Package tasks translates composition image descriptors into BuildTasks,
// the unit of work carried through Resolver and BuildDriver.
package tasks

import (
	"fmt"
	"io"

	"github.com/combust-labs/firebuild-multibuild/pkg/pathops"
	"github.com/combust-labs/firebuild-multibuild/pkg/repoparse"
	"github.com/pkg/errors"
)

// ImageDescriptor is produced by the external composition parser: either an
// external image reference, or a local build context.
type ImageDescriptor struct {
	ServiceName    string
	External       bool
	ImageRef       string
	Context        string
	DockerfilePath string
	Args           map[string]string
	Labels         map[string]string
	Tag            string
}

// StreamHook is handed the task's build context reader (BuildStream) just
// before it is sent to the daemon for a build. It does not receive the
// daemon's response stream, and it is not called for pulls.
type StreamHook func(io.Reader)

// ProgressHook observes decoded progress events from the daemon.
type ProgressHook func(event ProgressEvent)

// ProgressEvent is a decoded build/pull progress record.
type ProgressEvent struct {
	Stream string
	Status string
	ID     string
}

// BuildTask is the unit of work handed to Resolver and BuildDriver.
type BuildTask struct {
	ServiceName    string
	External       bool
	ImageRef       string
	Context        string
	DockerfilePath string
	Args           map[string]string
	Labels         map[string]string
	Tag            string

	BuildPack   *PackWriter
	BuildStream io.Reader

	Dockerfile     string
	ProjectType    string
	DockerPlatform string
	Resolved       bool

	StreamHook   StreamHook
	ProgressHook ProgressHook

	resolvedCh chan struct{}
}

// WaitResolved blocks until Resolver has classified this task (or the
// channel is already closed because resolution already completed).
func (t *BuildTask) WaitResolved() {
	<-t.resolvedCh
}

// MarkResolved publishes resolution completion. Safe to call exactly once.
func (t *BuildTask) MarkResolved() {
	close(t.resolvedCh)
}

// Set is an ordered collection of BuildTasks, one per service, preserving
// composition order.
type Set struct {
	Tasks []*BuildTask
}

// ValidationError reports a task construction error tied to a service name.
type ValidationError struct {
	ServiceName string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tasks: invalid descriptor for service %q: %s", e.ServiceName, e.Reason)
}

// FromDescriptors builds a Set from an ordered list of image descriptors.
func FromDescriptors(descriptors []ImageDescriptor) (*Set, error) {
	result := &Set{Tasks: make([]*BuildTask, 0, len(descriptors))}

	for _, d := range descriptors {
		if d.ServiceName == "" {
			return nil, errors.New("tasks: service name must not be empty")
		}

		task := &BuildTask{
			ServiceName: d.ServiceName,
			External:    d.External,
			resolvedCh:  make(chan struct{}),
		}

		if d.External {
			task.ImageRef = repoparse.AppendDefaultTag(d.ImageRef)
			task.Resolved = true
			close(task.resolvedCh)
			result.Tasks = append(result.Tasks, task)
			continue
		}

		if d.DockerfilePath != "" && d.Context == "" {
			return nil, &ValidationError{ServiceName: d.ServiceName, Reason: "dockerfilePath set without a context"}
		}

		task.Context = pathops.Normalize(d.Context)
		task.DockerfilePath = d.DockerfilePath
		task.Args = copyMap(d.Args)
		task.Labels = copyMap(d.Labels)
		task.Tag = d.Tag
		task.BuildPack = NewPackWriter()
		task.BuildStream = task.BuildPack.Reader()

		result.Tasks = append(result.Tasks, task)
	}

	return result, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
