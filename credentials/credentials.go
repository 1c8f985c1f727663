// Package credentials renders a secrets template into the tokens the proxy
// needs. The template is plain JSON with text/template actions, so tokens can
// come from the environment, files, or a registered secret provider instead
// of sitting on the command line.
//
//	{
//	  "api_token":  {{ env "STORY_API_TOKEN" | json }},
//	  "auth_token": {{ op "op://infra/story-cache/auth" | json }}
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// ErrUnknownField is returned when the rendered JSON carries a key the proxy
// does not understand, which is almost always a typo.
var ErrUnknownField = errors.New("unknown credentials field")

// Credentials holds resolved tokens. Empty fields leave the corresponding
// flag value in place.
type Credentials struct {
	// APIToken is attached to story API requests that carry no Authorization.
	APIToken string `json:"api_token,omitempty"`
	// AuthToken protects the /_sw and /_offline control routes.
	AuthToken string `json:"auth_token,omitempty"`
}

// Apply overlays non-empty resolved tokens onto the given values.
func (c *Credentials) Apply(apiToken, authToken *string) {
	if c == nil {
		return
	}
	if c.APIToken != "" {
		*apiToken = c.APIToken
	}
	if c.AuthToken != "" {
		*authToken = c.AuthToken
	}
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders credential templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver with the built-in env, envDefault, file and
// json functions plus any registered providers.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "credentials")
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("resolved credentials",
		"path", path,
		"api_token", creds.APIToken != "",
		"auth_token", creds.AuthToken != "",
	)
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxTemplateSize)
	}

	dec := json.NewDecoder(&buf)
	dec.DisallowUnknownFields()
	var creds Credentials
	if err := dec.Decode(&creds); err != nil {
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, strings.TrimPrefix(err.Error(), "json: unknown field "))
		}
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}

	// One lookup per reference per render.
	memo := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := memo[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			memo[key] = val
			return val, nil
		}
	}
	return fm
}
