// Package repoparse implements the repository-name parsing rules shared by
// TaskSet (image reference tag defaulting) and RegistryClient (index/remote
// name resolution), grounded on the same index/official-repo conventions
// docker/distribution uses for the default registry.
package repoparse

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultIndexName is the canonical name of the default Docker Hub index.
	DefaultIndexName = "docker.io"
	// DefaultIndexURL is the https base URL of the default index.
	DefaultIndexURL = "https://index.docker.io/v1/"
	legacyIndexName = "index.docker.io"
)

var (
	namespaceRe = regexp.MustCompile(`^[a-z0-9._-]*$`)
	nameRe      = regexp.MustCompile(`^[a-z0-9_/.-]*$`)
)

// Repo is a fully parsed repository reference.
type Repo struct {
	IndexName     string
	IndexURL      string
	RemoteName    string
	LocalName     string
	CanonicalName string
	Official      bool
}

// Parse applies the Docker Hub repository parsing rules to a raw repository
// string (with an optional leading scheme and an optional host component).
func Parse(input string) (*Repo, error) {
	remainder := input
	httpScheme := false

	if strings.HasPrefix(remainder, "https://") {
		remainder = strings.TrimPrefix(remainder, "https://")
	} else if strings.HasPrefix(remainder, "http://") {
		httpScheme = true
		remainder = strings.TrimPrefix(remainder, "http://")
	}

	parts := strings.SplitN(remainder, "/", 2)

	indexName := DefaultIndexName
	localName := remainder

	if len(parts) == 2 && looksLikeHost(parts[0]) {
		indexName = parts[0]
		localName = parts[1]
	}

	if indexName == legacyIndexName {
		indexName = DefaultIndexName
	}

	if httpScheme && indexName == DefaultIndexName {
		return nil, fmt.Errorf("repoparse: http is not permitted against the official index")
	}

	official := indexName == DefaultIndexName

	if official && !strings.Contains(localName, "/") {
		localName = "library/" + localName
	}

	if err := validateNamespaceAndName(localName); err != nil {
		return nil, err
	}

	indexURL := DefaultIndexURL
	if indexName != DefaultIndexName {
		scheme := "https"
		if httpScheme {
			scheme = "http"
		}
		indexURL = fmt.Sprintf("%s://%s", scheme, indexName)
	}

	canonical := localName
	if !official {
		canonical = indexName + "/" + localName
	}

	return &Repo{
		IndexName:     indexName,
		IndexURL:      indexURL,
		RemoteName:    localName,
		LocalName:     localName,
		CanonicalName: canonical,
		Official:      official,
	}, nil
}

// looksLikeHost decides whether the first path component of a repository
// reference should be treated as an index host rather than a namespace.
func looksLikeHost(s string) bool {
	return strings.Contains(s, ".") || strings.Contains(s, ":") || s == "localhost"
}

func validateNamespaceAndName(localName string) error {
	if !nameRe.MatchString(localName) {
		return fmt.Errorf("repoparse: invalid repository name: %s", localName)
	}
	if idx := strings.Index(localName, "/"); idx >= 0 {
		namespace := localName[:idx]
		if len(namespace) < 2 || len(namespace) > 255 {
			return fmt.Errorf("repoparse: invalid namespace length: %s", namespace)
		}
		if !namespaceRe.MatchString(namespace) {
			return fmt.Errorf("repoparse: invalid namespace: %s", namespace)
		}
		if strings.HasPrefix(namespace, "-") || strings.HasSuffix(namespace, "-") {
			return fmt.Errorf("repoparse: namespace must not lead or trail with '-': %s", namespace)
		}
		if strings.Contains(namespace, "--") {
			return fmt.Errorf("repoparse: namespace must not contain '--': %s", namespace)
		}
	}
	return nil
}

// AppendDefaultTag appends ":latest" to imageRef when it has no tag. A tag
// is only recognized after the last "/" segment, so a port number in a host
// component is never mistaken for a tag.
func AppendDefaultTag(imageRef string) string {
	lastSlash := strings.LastIndex(imageRef, "/")
	tail := imageRef
	if lastSlash >= 0 {
		tail = imageRef[lastSlash+1:]
	}
	if strings.Contains(tail, ":") {
		return imageRef
	}
	return imageRef + ":latest"
}
