// Package builddriver executes one BuildTask against the daemon (build from
// context, or pull an external image) and assembles the resulting
// LocalImage record, including the partial layer chain when a build fails
// midway.
package builddriver

import (
	"context"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/combust-labs/firebuild-multibuild/pkg/daemon"
	"github.com/combust-labs/firebuild-multibuild/pkg/platform"
	"github.com/combust-labs/firebuild-multibuild/pkg/repoparse"
	"github.com/combust-labs/firebuild-multibuild/pkg/tasks"
	"github.com/docker/docker/api/types"
	"github.com/hashicorp/go-hclog"
)

// BaseImageTag names one FROM reference of the resolved Dockerfile, split
// into repository and tag.
type BaseImageTag struct {
	Repo string
	Tag  string
}

// LocalImage is the per-task result record.
type LocalImage struct {
	ServiceName   string
	Name          string
	External      bool
	Successful    bool
	Layers        []string
	BaseImageTags []BaseImageTag
	Dockerfile    string
	ProjectType   string
	Error         error
	StartTime     time.Time
	EndTime       time.Time
}

// BuildProcessError wraps a daemon communication failure or other
// infrastructure fault encountered while driving a build or pull.
type BuildProcessError struct {
	ServiceName string
	Cause       error
}

func (e *BuildProcessError) Error() string {
	return "builddriver: " + e.ServiceName + ": " + e.Cause.Error()
}

func (e *BuildProcessError) Unwrap() error {
	return e.Cause
}

// Daemon is the subset of pkg/daemon.Client the driver depends on.
type Daemon interface {
	Build(ctx context.Context, buildContext io.Reader, opts daemon.BuildOptions) (<-chan daemon.BuildEvent, <-chan error, error)
	Pull(ctx context.Context, imageRef string, registryAuth string, progress func(daemon.PullEvent)) error
}

// Options configures one Run call.
type Options struct {
	PassPlatform    bool
	CallerBuildArgs map[string]string
	CallerLabels    map[string]string
	RegistryConfigs  map[string]types.AuthConfig // host -> auth, archive secrets already take precedence over caller entries
	SecretsDir       string                      // non-empty when the task has bound secrets; see DESIGN.md for the legacy-build-API limitation
	PullRegistryAuth string                      // base64 X-Registry-Auth payload for an external task's pull, resolved via RegistryClient
}

// Run executes task against d and returns its result record. It has no
// error return: build/pull failures, daemon communication failures and an
// unresolved task are all folded into the returned LocalImage as a
// BuildProcessError with Successful=false.
func Run(ctx context.Context, d Daemon, task *tasks.BuildTask, opts Options, logger hclog.Logger) *LocalImage {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if task.External {
		return runExternal(ctx, d, task, opts, logger)
	}
	return runBuild(ctx, d, task, opts, logger)
}

// AssembleOptions merges task fields with caller-supplied overrides into
// the final daemon build options: args are task.Args (e.g. metadata-derived)
// taking precedence over caller args, same for labels; --platform is only
// included when policy allowed it; the tag, when set, becomes the sole
// requested tag.
func AssembleOptions(task *tasks.BuildTask, opts Options) daemon.BuildOptions {
	buildArgs := map[string]*string{}
	for k, v := range opts.CallerBuildArgs {
		value := v
		buildArgs[k] = &value
	}
	for k, v := range task.Args {
		value := v
		buildArgs[k] = &value
	}

	labels := map[string]string{}
	for k, v := range opts.CallerLabels {
		labels[k] = v
	}
	for k, v := range task.Labels {
		labels[k] = v
	}

	platform := ""
	if opts.PassPlatform {
		platform = task.DockerPlatform
	}

	tags := []string{}
	if task.Tag != "" {
		tags = append(tags, task.Tag)
	}

	return daemon.BuildOptions{
		Dockerfile:      task.DockerfilePath,
		Tags:            tags,
		BuildArgs:       buildArgs,
		Labels:          labels,
		Platform:        platform,
		RegistryConfigs: opts.RegistryConfigs,
		SecretsDir:      opts.SecretsDir,
	}
}

func runExternal(ctx context.Context, d Daemon, task *tasks.BuildTask, opts Options, logger hclog.Logger) *LocalImage {
	imageRef := repoparse.AppendDefaultTag(task.ImageRef)
	start := time.Now()

	err := d.Pull(ctx, imageRef, opts.PullRegistryAuth, func(event daemon.PullEvent) {
		if task.ProgressHook != nil {
			task.ProgressHook(tasks.ProgressEvent{Status: event.Status, ID: event.ID})
		}
	})
	end := time.Now()

	if err != nil {
		return &LocalImage{
			ServiceName: task.ServiceName,
			External:    true,
			Successful:  false,
			Error:       &BuildProcessError{ServiceName: task.ServiceName, Cause: err},
			StartTime:   start,
			EndTime:     end,
		}
	}

	return &LocalImage{
		ServiceName: task.ServiceName,
		Name:        imageRef,
		External:    true,
		Successful:  true,
		StartTime:   start,
		EndTime:     end,
	}
}

func runBuild(ctx context.Context, d Daemon, task *tasks.BuildTask, opts Options, logger hclog.Logger) *LocalImage {
	task.WaitResolved()

	result := &LocalImage{
		ServiceName: task.ServiceName,
		Dockerfile:  task.Dockerfile,
		ProjectType: task.ProjectType,
	}

	if !task.Resolved {
		result.Error = &BuildProcessError{ServiceName: task.ServiceName, Cause: errNotResolved}
		result.StartTime = time.Now()
		result.EndTime = result.StartTime
		return result
	}

	buildOpts := AssembleOptions(task, opts)

	start := time.Now()
	if task.StreamHook != nil {
		task.StreamHook(task.BuildStream)
	}

	events, resultCh, err := d.Build(ctx, task.BuildStream, buildOpts)
	if err != nil {
		result.Error = &BuildProcessError{ServiceName: task.ServiceName, Cause: err}
		result.StartTime = start
		result.EndTime = time.Now()
		return result
	}

	layers := []string{}
	imageID := ""

	for event := range events {
		if task.ProgressHook != nil {
			task.ProgressHook(tasks.ProgressEvent{Stream: event.Stream, Status: event.Status, ID: event.ID})
		}
		layers = append(layers, ScrapeLayerIDs(event.Stream)...)
		if event.Aux != nil && event.Aux.ID != "" {
			imageID = event.Aux.ID
		}
	}

	buildErr := <-resultCh
	end := time.Now()

	result.StartTime = start
	result.EndTime = end
	result.Layers = layers
	result.BaseImageTags = BaseImageTagsFromDockerfile(task.Dockerfile)

	if buildErr != nil {
		result.Successful = false
		result.Error = &BuildProcessError{ServiceName: task.ServiceName, Cause: buildErr}
		if len(layers) > 0 {
			result.Name = layers[len(layers)-1]
		}
		return result
	}

	result.Successful = true
	if task.Tag != "" {
		result.Name = task.Tag
	} else {
		result.Name = imageID
	}
	return result
}

// layerLineRe matches the classic builder's " ---> <id>" stream lines, the
// only place the intermediate layer chain is reported.
var layerLineRe = regexp.MustCompile(`^\s*--->\s*([0-9a-f]{12,64})\s*$`)

// ScrapeLayerIDs extracts the intermediate layer IDs committed so far from
// one build stream fragment. On a failed build these are the partial layer
// chain preserved in the result record.
func ScrapeLayerIDs(stream string) []string {
	ids := []string{}
	for _, line := range strings.Split(stream, "\n") {
		if m := layerLineRe.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// BaseImageTagsFromDockerfile returns the repo/tag pairs named by FROM
// instructions in dockerfile. Stage aliases and scratch are skipped;
// references that fail to parse are returned verbatim with the default tag
// rather than dropped, so the record still names what the build pulled.
func BaseImageTagsFromDockerfile(dockerfile string) []BaseImageTag {
	refs, err := platform.ExtractFromImages(dockerfile)
	if err != nil {
		return []BaseImageTag{}
	}

	stageAliases := map[string]bool{}
	for _, line := range strings.Split(dockerfile, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 4 && strings.EqualFold(fields[0], "from") && strings.EqualFold(fields[len(fields)-2], "as") {
			stageAliases[strings.ToLower(fields[len(fields)-1])] = true
		}
	}

	out := []BaseImageTag{}
	for _, ref := range refs {
		if ref == "scratch" || stageAliases[strings.ToLower(ref)] {
			continue
		}
		tagged := repoparse.AppendDefaultTag(ref)
		idx := strings.LastIndex(tagged, ":")
		out = append(out, BaseImageTag{Repo: tagged[:idx], Tag: tagged[idx+1:]})
	}
	return out
}

var errNotResolved = &unresolvedError{}

type unresolvedError struct{}

func (e *unresolvedError) Error() string {
	return "build task was never resolved by the project resolver"
}
