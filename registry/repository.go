package registry

import (
	"context"
	"fmt"
	"net/http"

	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// DefaultUserAgent is sent with registry requests unless overridden.
const DefaultUserAgent = "replaycache/1.0"

// RepositoryOption configures NewRepository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	plainHTTP bool
	userAgent string
	credStore credentials.Store
	credErr   error
}

// WithPlainHTTP talks to the registry over HTTP instead of HTTPS.
func WithPlainHTTP(plain bool) RepositoryOption {
	return func(c *repositoryConfig) {
		c.plainHTTP = plain
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.userAgent = ua
	}
}

// WithCredentialStore sets the store credentials are looked up in.
func WithCredentialStore(store credentials.Store) RepositoryOption {
	return func(c *repositoryConfig) {
		c.credStore = store
	}
}

// WithDockerCredentials reads credentials from the Docker configuration
// (~/.docker/config.json) and its credential helpers.
func WithDockerCredentials() RepositoryOption {
	return func(c *repositoryConfig) {
		store, err := DockerCredentialStore()
		if err != nil {
			c.credErr = err
			return
		}
		c.credStore = store
	}
}

// WithStaticCredentials authenticates to registry with a username and
// password.
func WithStaticCredentials(registry, username, password string) RepositoryOption {
	return WithCredentialStore(StaticCredentials(registry, username, password))
}

// NewRepository returns an authenticated remote repository for ref, such as
// "ghcr.io/org/resources". The repository is a content.Fetcher suitable for
// New. Credentials are anonymous unless a credential option is given.
func NewRepository(ref string, opts ...RepositoryOption) (*remote.Repository, error) {
	cfg := repositoryConfig{userAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.credErr != nil {
		return nil, fmt.Errorf("load credentials: %w", cfg.credErr)
	}

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref, err)
	}
	repo.PlainHTTP = cfg.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if cfg.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return cfg.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{cfg.userAgent},
		},
	}
	return repo, nil
}
