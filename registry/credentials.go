package registry

import (
	"context"
	"errors"
	"slices"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

var errReadOnlyStore = errors.New("registry: static credential store is read-only")

// dockerHubHosts are the names Docker Hub credentials may be stored under.
var dockerHubHosts = []string{"docker.io", "registry-1.docker.io", "index.docker.io"}

// DockerCredentialStore returns a store backed by the Docker configuration.
// Lookups for Docker Hub try each of its host names.
func DockerCredentialStore() (credentials.Store, error) {
	store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	if err != nil {
		return nil, err
	}
	return &hubAliasStore{Store: store}, nil
}

// StaticCredentials returns a read-only store holding one credential for
// registry.
func StaticCredentials(registry, username, password string) credentials.Store {
	return &staticStore{
		host: hostOf(registry),
		cred: auth.Credential{Username: username, Password: password},
	}
}

type staticStore struct {
	host string
	cred auth.Credential
}

func (s *staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	host := hostOf(serverAddress)
	if host == s.host || (isDockerHub(host) && isDockerHub(s.host)) {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errReadOnlyStore
}

func (s *staticStore) Delete(context.Context, string) error {
	return errReadOnlyStore
}

// hubAliasStore retries Docker Hub lookups under the hub's other names.
type hubAliasStore struct {
	credentials.Store
}

func (s *hubAliasStore) Get(ctx context.Context, serverAddress string) (auth.Credential, error) {
	cred, err := s.Store.Get(ctx, serverAddress)
	if (err == nil && cred != auth.EmptyCredential) || !isDockerHub(hostOf(serverAddress)) {
		return cred, err
	}
	for _, alias := range append([]string{"https://index.docker.io/v1/"}, dockerHubHosts...) {
		if alias == serverAddress {
			continue
		}
		if c, aerr := s.Store.Get(ctx, alias); aerr == nil && c != auth.EmptyCredential {
			return c, nil
		}
	}
	return cred, err
}

// hostOf strips the scheme, path and default port from a server address.
func hostOf(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr, _, _ = strings.Cut(addr, "/")
	return strings.TrimSuffix(addr, ":443")
}

func isDockerHub(host string) bool {
	return slices.Contains(dockerHubHosts, host)
}
