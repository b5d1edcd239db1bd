package orchestrator

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/combust-labs/firebuild-multibuild/pkg/metadata"
)

// materializeSecrets writes the secret bindings declared for serviceName
// to a fresh temp directory, one file per binding named by its dest, ready
// to be bound at <tmpDirectory>:/run/secrets:ro for the build. It returns
// an empty directory name when the service has no secret bindings.
// The returned cleanup function always removes the directory, even on a
// partial failure; callers must invoke it once the build has completed.
func materializeSecrets(store *metadata.Store, serviceName string) (string, func(), error) {
	bindings := store.GetSecretsForService(serviceName)
	if len(bindings) == 0 {
		return "", func() {}, nil
	}

	dir, err := ioutil.TempDir("", "multibuild-secrets-")
	if err != nil {
		return "", func() {}, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	for _, binding := range bindings {
		contents, ok := store.GetSecretFile(binding.Source)
		if !ok {
			continue
		}
		if err := ioutil.WriteFile(filepath.Join(dir, binding.Dest), contents, 0600); err != nil {
			cleanup()
			return "", func() {}, err
		}
	}

	return dir, cleanup, nil
}
