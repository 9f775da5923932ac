package oci

import (
	"context"
	"net/http"

	"github.com/jmgilman/go/errors"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// RemoteConfig configures a registry-backed Store.
type RemoteConfig struct {
	// Repository is the repository reference without tag,
	// e.g. "ghcr.io/org/ci-cache".
	Repository string

	// Username and Password are optional static credentials for the
	// repository's registry.
	Username string
	Password string

	// PlainHTTP talks to the registry over HTTP instead of HTTPS.
	PlainHTTP bool

	// Transport overrides the HTTP transport. Nil selects the retrying
	// default transport.
	Transport http.RoundTripper
}

func (c *RemoteConfig) validate() error {
	if c.Repository == "" {
		return errors.New(errors.CodeInvalidConfig, "repository is required")
	}
	if c.Password != "" && c.Username == "" {
		return errors.New(errors.CodeInvalidConfig, "username is required when password is set")
	}
	return nil
}

// NewRemote returns a Store over a registry repository.
func NewRemote(_ context.Context, cfg RemoteConfig) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	repo, err := remote.NewRepository(cfg.Repository)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidConfig, "invalid repository reference", map[string]interface{}{
			"repository": cfg.Repository,
		})
	}
	repo.PlainHTTP = cfg.PlainHTTP

	httpClient := retry.DefaultClient
	if cfg.Transport != nil {
		httpClient = &http.Client{Transport: cfg.Transport}
	}

	client := &auth.Client{
		Client: httpClient,
		Cache:  auth.NewCache(),
	}
	if cfg.Username != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	repo.Client = client

	return New(repo), nil
}
