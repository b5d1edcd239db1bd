// Package resolver implements the project Resolver: it classifies a raw,
// demuxed build context tar stream (plain Dockerfile, Dockerfile.template,
// or an architecture-specific Dockerfile variant) and rewrites it into a
// single daemon-buildable tar stream, publishing the chosen project type,
// Dockerfile contents and target platform onto the BuildTask.
package resolver

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"regexp"
	"strings"

	"github.com/combust-labs/firebuild-multibuild/pkg/tasks"
	"github.com/pkg/errors"
)

const (
	// ProjectTypeStandard names the plain top-level Dockerfile strategy.
	ProjectTypeStandard = "Standard Dockerfile"
	// ProjectTypeTemplate names the Dockerfile.template substitution strategy.
	ProjectTypeTemplate = "Dockerfile.template"
	// ProjectTypeExplicit names the caller-declared dockerfilePath strategy.
	ProjectTypeExplicit = "Explicit Dockerfile"
)

// ProjectResolutionError is raised when no resolution strategy matches by
// end-of-stream. The caller must treat this as a per-task build failure,
// not a fatal error for the whole run.
type ProjectResolutionError struct {
	ServiceName string
}

func (e *ProjectResolutionError) Error() string {
	return fmt.Sprintf("resolver: no resolution strategy matched context for service %q", e.ServiceName)
}

// UnknownTemplateTokenError is raised when Dockerfile.template references a
// %%TOKEN%% the caller did not recognize or supply.
type UnknownTemplateTokenError struct {
	Token string
}

func (e *UnknownTemplateTokenError) Error() string {
	return fmt.Sprintf("resolver: unknown template token %%%%%s%%%%", e.Token)
}

// archPlatforms maps the recognized target-arch aliases to the Docker
// daemon --platform value. An arch not present here leaves DockerPlatform
// unset; the caller must tolerate that.
var archPlatforms = map[string]string{
	"x86_64":  "linux/amd64",
	"amd64":   "linux/amd64",
	"i386":    "linux/386",
	"x86":     "linux/386",
	"armv7hf": "linux/arm/v7",
	"aarch64": "linux/arm64",
}

var templateTokenRe = regexp.MustCompile(`%%([A-Za-z0-9_]+)%%`)

type entry struct {
	name string
	body []byte
}

// Run reads task.BuildStream to completion, classifies the context,
// rewrites task.BuildStream to the daemon-ready tar stream and publishes
// ProjectType/Dockerfile/DockerfilePath/DockerPlatform/Resolved. It always
// calls task.MarkResolved() exactly once, even on failure, so BuildDriver's
// WaitResolved unblocks either way.
func Run(task *tasks.BuildTask, arch, deviceType string, extraVars map[string]string) error {
	defer task.MarkResolved()

	if platform, ok := archPlatforms[strings.ToLower(arch)]; ok {
		task.DockerPlatform = platform
	}

	entries, readErr := readAll(task.BuildStream)
	if readErr != nil {
		return errors.Wrap(readErr, "resolver: failed reading build context")
	}

	byName := make(map[string]*entry, len(entries))
	for i := range entries {
		byName[entries[i].name] = &entries[i]
	}

	projectType, dockerfilePath, dockerfileContent, dropNames, resolveErr := classify(task, byName, arch, deviceType, extraVars)
	if resolveErr != nil {
		return resolveErr
	}
	if projectType == "" {
		return &ProjectResolutionError{ServiceName: task.ServiceName}
	}

	task.ProjectType = projectType
	task.Dockerfile = string(dockerfileContent)
	task.DockerfilePath = dockerfilePath
	task.Resolved = true

	output, writeErr := rewrite(entries, dropNames, dockerfilePath, dockerfileContent)
	if writeErr != nil {
		return errors.Wrap(writeErr, "resolver: failed rewriting build context")
	}
	task.BuildStream = output
	return nil
}

// classify tries the four resolution strategies in fixed order and returns
// the winning project type, the Dockerfile's final in-context path, its
// rewritten contents and the set of entry names to drop from the rewritten
// stream (e.g. sibling arch variants, the raw template).
func classify(task *tasks.BuildTask, byName map[string]*entry, arch, deviceType string, extraVars map[string]string) (string, string, []byte, map[string]bool, error) {
	drop := map[string]bool{}

	// Strategy 1: explicit dockerfilePath. TarDemux rewrites a declared
	// alternate Dockerfile to the fixed in-pack name before Resolver ever
	// sees the stream, so this usually matches ".resin/Dockerfile". The
	// file stays at its declared path in the rewritten stream; the daemon
	// is pointed at it via the build options' dockerfile field, and the
	// path stays observable on the task.
	if task.DockerfilePath != "" {
		if e, ok := byName[task.DockerfilePath]; ok {
			return ProjectTypeExplicit, task.DockerfilePath, e.body, drop, nil
		}
	}

	// Strategy 2: architecture-specific Dockerfile. deviceType is more
	// specific than arch and wins when both variants are present.
	var archCandidate, deviceCandidate *entry
	for name, e := range byName {
		if !strings.HasPrefix(name, "Dockerfile.") || strings.Contains(name, "/") {
			continue
		}
		suffix := strings.TrimPrefix(name, "Dockerfile.")
		if suffix == "template" {
			continue
		}
		drop[name] = true
		if deviceType != "" && suffix == deviceType {
			deviceCandidate = e
		} else if arch != "" && suffix == arch {
			archCandidate = e
		}
	}
	if deviceCandidate != nil {
		return fmt.Sprintf("Dockerfile.%s", deviceType), "Dockerfile", deviceCandidate.body, drop, nil
	}
	if archCandidate != nil {
		return fmt.Sprintf("Dockerfile.%s", arch), "Dockerfile", archCandidate.body, drop, nil
	}
	// No arch/device variant matched; entries still get dropped from the
	// rewritten stream per "the others are dropped", but fall through.

	// Strategy 3: Dockerfile.template variable substitution.
	if e, ok := byName["Dockerfile.template"]; ok {
		drop["Dockerfile.template"] = true
		rendered, err := renderTemplate(string(e.body), arch, deviceType, extraVars)
		if err != nil {
			return "", "", nil, nil, err
		}
		return ProjectTypeTemplate, "Dockerfile", []byte(rendered), drop, nil
	}

	// Strategy 4: standard top-level Dockerfile.
	if e, ok := byName["Dockerfile"]; ok {
		return ProjectTypeStandard, "Dockerfile", e.body, drop, nil
	}

	return "", "", nil, nil, nil
}

func renderTemplate(content, arch, deviceType string, extraVars map[string]string) (string, error) {
	vars := map[string]string{
		"RESIN_MACHINE_NAME":  deviceType,
		"RESIN_ARCH":          arch,
		"BALENA_MACHINE_NAME": deviceType,
		"BALENA_ARCH":         arch,
	}
	for k, v := range extraVars {
		vars[k] = v
	}

	var resolveErr error
	rendered := templateTokenRe.ReplaceAllStringFunc(content, func(token string) string {
		name := templateTokenRe.FindStringSubmatch(token)[1]
		v, ok := vars[name]
		if !ok {
			resolveErr = &UnknownTemplateTokenError{Token: name}
			return token
		}
		return v
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return rendered, nil
}

func readAll(r io.Reader) ([]entry, error) {
	entries := []entry{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, readErr := ioutil.ReadAll(io.LimitReader(tr, hdr.Size))
		if readErr != nil {
			return nil, readErr
		}
		entries = append(entries, entry{name: hdr.Name, body: body})
	}
	return entries, nil
}

// rewrite emits every kept entry in original order, then the final
// Dockerfile at dockerfilePath, as a new, fully in-memory tar stream ready
// for the daemon.
func rewrite(entries []entry, drop map[string]bool, dockerfilePath string, dockerfile []byte) (io.Reader, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		if e.name == dockerfilePath || drop[e.name] {
			continue
		}
		if err := writeEntry(tw, e.name, e.body); err != nil {
			return nil, err
		}
	}
	if err := writeEntry(tw, dockerfilePath, dockerfile); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeEntry(tw *tar.Writer, name string, body []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(body)
	return err
}
