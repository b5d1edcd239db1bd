// Package orchestrator composes the full pipeline: parse the composition,
// translate it into build tasks, demux the uploaded archive into per-task
// contexts while resolution runs concurrently, then drive every task
// against the daemon and collect results in submission order.
package orchestrator

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/combust-labs/firebuild-multibuild/pkg/builddriver"
	"github.com/combust-labs/firebuild-multibuild/pkg/composition"
	"github.com/combust-labs/firebuild-multibuild/pkg/demux"
	"github.com/combust-labs/firebuild-multibuild/pkg/metadata"
	"github.com/combust-labs/firebuild-multibuild/pkg/platform"
	"github.com/combust-labs/firebuild-multibuild/pkg/registry"
	"github.com/combust-labs/firebuild-multibuild/pkg/repoparse"
	"github.com/combust-labs/firebuild-multibuild/pkg/resolver"
	"github.com/combust-labs/firebuild-multibuild/pkg/tasks"
	"github.com/docker/docker/api/types"
	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/opentracing/opentracing-go"
)

// Daemon is the daemon surface the pipeline needs: builds and pulls for the
// driver, plus the version/manifest lookups PlatformPolicy gates on.
// *daemon.Client satisfies it.
type Daemon interface {
	builddriver.Daemon
	platform.Daemon
}

// Options configures one Run invocation.
type Options struct {
	Arch       string
	DeviceType string
	// TemplateVars supplies additional Dockerfile.template %%TOKEN%% values
	// beyond the RESIN_*/BALENA_* arch/device pair.
	TemplateVars          map[string]string
	ExplicitAuthType      string
	Username              string
	Password              string
	CallerBuildArgs       map[string]string
	CallerLabels          map[string]string
	CallerRegistryConfigs map[string]types.AuthConfig
}

// Run executes the full pipeline and returns one LocalImage per service, in
// composition order. A non-nil error means a cross-cutting fault aborted
// the whole run (invalid archive, invalid metadata); per-service faults are
// never raised here, they appear inside the returned records.
func Run(ctx context.Context, d Daemon, tracer opentracing.Tracer, compositionDoc []byte, archive io.Reader, opts Options, logger hclog.Logger) ([]*builddriver.LocalImage, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}

	runID, _ := uuid.NewV4()
	span := tracer.StartSpan("orchestrator-run")
	span.SetTag("run-id", runID.String())
	defer span.Finish()

	runLogger := logger.With("run-id", runID.String())

	descriptors, err := composition.Parse(compositionDoc)
	if err != nil {
		return nil, err
	}

	set, err := tasks.FromDescriptors(descriptors)
	if err != nil {
		return nil, err
	}

	store := metadata.New()

	resolveErrs := &sync.Map{}
	var resolveWg sync.WaitGroup
	for _, task := range set.Tasks {
		if task.External {
			continue
		}
		resolveWg.Add(1)
		go func(task *tasks.BuildTask) {
			defer resolveWg.Done()
			if err := resolver.Run(task, opts.Arch, opts.DeviceType, opts.TemplateVars); err != nil {
				resolveErrs.Store(task.ServiceName, err)
			}
		}(task)
	}

	demuxSpan := tracer.StartSpan("demux", opentracing.ChildOf(span.Context()))
	demuxErr := demux.Run(archive, set, store, runLogger)
	demuxSpan.Finish()
	if demuxErr != nil {
		return nil, demuxErr
	}

	resolveWg.Wait()

	if err := store.Parse(); err != nil {
		return nil, err
	}

	credSource := registryCredentialSource(store, opts.Username, opts.Password)
	registryConfigs := mergeRegistryConfigs(store, opts.CallerRegistryConfigs)

	results := make([]*builddriver.LocalImage, len(set.Tasks))
	var buildWg sync.WaitGroup
	var platformErrs error
	var platformErrsMu sync.Mutex

	for i, task := range set.Tasks {
		buildWg.Add(1)
		go func(i int, task *tasks.BuildTask) {
			defer buildWg.Done()

			taskSpan := tracer.StartSpan("build-task", opentracing.ChildOf(span.Context()))
			taskSpan.SetTag("service", task.ServiceName)
			defer taskSpan.Finish()

			if task.External {
				results[i] = builddriver.Run(ctx, d, task, builddriver.Options{
					PullRegistryAuth: resolvePullAuth(task.ImageRef, credSource),
				}, runLogger)
				return
			}

			if rawErr, hasResolveErr := resolveErrs.Load(task.ServiceName); hasResolveErr {
				now := time.Now()
				results[i] = &builddriver.LocalImage{
					ServiceName: task.ServiceName,
					Successful:  false,
					Error:       rawErr.(error),
					StartTime:   now,
					EndTime:     now,
				}
				return
			}

			task.Args = mergeArgs(store.GetBuildVarsForService(task.ServiceName), task.Args)

			driverOpts := builddriver.Options{
				CallerBuildArgs: opts.CallerBuildArgs,
				CallerLabels:    opts.CallerLabels,
				RegistryConfigs: registryConfigs,
			}
			secretsDir, secretsCleanup, secretsErr := materializeSecrets(store, task.ServiceName)
			if secretsErr != nil {
				runLogger.Warn("failed materializing build secrets, continuing without them", "service", task.ServiceName, "reason", secretsErr)
			} else {
				defer secretsCleanup()
				driverOpts.SecretsDir = secretsDir
			}

			if decision, err := platform.Evaluate(ctx, d, task.Dockerfile); err == nil {
				driverOpts.PassPlatform = decision.PassPlatform
				for _, w := range decision.Warnings {
					runLogger.Warn(w, "service", task.ServiceName)
				}
			} else {
				platformErrsMu.Lock()
				platformErrs = multierror.Append(platformErrs, err)
				platformErrsMu.Unlock()
			}

			results[i] = builddriver.Run(ctx, d, task, driverOpts, runLogger)
		}(i, task)
	}
	buildWg.Wait()

	if platformErrs != nil {
		runLogger.Warn("platform policy evaluation encountered errors", "reason", platformErrs)
	}

	return results, nil
}

// mergeArgs merges base (e.g. metadata-derived build variables) with
// overrides (the task's own descriptor-declared args), overrides winning.
func mergeArgs(base, overrides map[string]string) map[string]string {
	merged := map[string]string{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// mergeRegistryConfigs applies the registry credential precedence rule:
// archive-provided registry secrets take precedence over caller-provided
// entries for the same host, except that caller entries win for the
// default Docker Hub URL.
func mergeRegistryConfigs(store *metadata.Store, caller map[string]types.AuthConfig) map[string]types.AuthConfig {
	merged := map[string]types.AuthConfig{}
	for host, cred := range caller {
		merged[host] = cred
	}
	for host, cred := range store.RegistrySecrets() {
		if host == repoparse.DefaultIndexURL {
			if _, callerHasDefault := caller[repoparse.DefaultIndexURL]; callerHasDefault {
				continue
			}
		}
		merged[host] = types.AuthConfig{Username: cred.Username, Password: cred.Password}
	}
	return merged
}

// resolvePullAuth looks up registry-secrets-derived credentials for
// imageRef's index and, when present, base64-encodes them for the daemon's
// pull call, exercising RegistryClient's repo-parsing and credential
// precedence rules for external image pulls. Any tag or digest is stripped
// from imageRef before the repository name is parsed.
func resolvePullAuth(imageRef string, credSource registry.CredentialSource) string {
	name := imageRef
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	if colon := strings.LastIndex(name, ":"); colon > strings.LastIndex(name, "/") {
		name = name[:colon]
	}
	repo, err := repoparse.Parse(name)
	if err != nil {
		return ""
	}
	creds, ok := credSource(repo)
	if !ok {
		return ""
	}
	encoded, err := registry.EncodeAuthConfig(creds)
	if err != nil {
		return ""
	}
	return encoded
}

// registryCredentialSource resolves a registry.CredentialSource backed by
// the archive's registry-secrets and, as a fallback, explicit credentials
// supplied by the caller.
func registryCredentialSource(store *metadata.Store, fallbackUser, fallbackPass string) registry.CredentialSource {
	return func(repo *repoparse.Repo) (registry.Credentials, bool) {
		secrets := store.RegistrySecrets()
		for _, key := range []string{repo.IndexURL, strings.TrimSuffix(repo.IndexURL, "/") + "/", repo.IndexName} {
			if cred, ok := secrets[key]; ok {
				return registry.Credentials{Username: cred.Username, Password: cred.Password}, true
			}
		}
		if repo.Official {
			if cred, ok := secrets[repoparse.DefaultIndexURL]; ok {
				return registry.Credentials{Username: cred.Username, Password: cred.Password}, true
			}
		}
		if fallbackUser != "" {
			return registry.Credentials{Username: fallbackUser, Password: fallbackPass}, true
		}
		return registry.Credentials{}, false
	}
}
