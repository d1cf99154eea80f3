// Package secrets resolves database credentials from AWS Secrets Manager or
// the environment.
package secrets

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/etl"
	"github.com/jconover/medrobotics-etl/internal/resilience"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cached struct {
	value   string
	fetched time.Time
}

// SecretsManager fetches secrets by id and caches them for ttl. A secret
// whose value is a JSON object yields its "password" field; any other
// value is returned as is.
type SecretsManager struct {
	client SecretsManagerAPI
	ttl    time.Duration
	retry  resilience.RetryConfig
	now    func() time.Time
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]cached
}

// NewSecretsManager creates a provider. ttl <= 0 disables caching.
func NewSecretsManager(client SecretsManagerAPI, ttl time.Duration, retry resilience.RetryConfig) *SecretsManager {
	retry.OnRetry = resilience.RetryLogger("secrets", "get_secret_value")
	return &SecretsManager{
		client: client,
		ttl:    ttl,
		retry:  retry,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "secrets")),
		cache:  make(map[string]cached),
	}
}

// Get returns the credential stored under id. Failures are fatal to a run.
func (s *SecretsManager) Get(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	if c, ok := s.cache[id]; ok && s.ttl > 0 && s.now().Sub(c.fetched) < s.ttl {
		s.mu.Unlock()
		return c.value, nil
	}
	s.mu.Unlock()

	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*secretsmanager.GetSecretValueOutput, error) {
		return s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	})
	if err != nil {
		return "", etl.Fatal(eris.Wrapf(err, "secrets: get %s", id))
	}

	raw := aws.ToString(out.SecretString)
	if raw == "" && len(out.SecretBinary) > 0 {
		raw = string(out.SecretBinary)
	}
	value, err := password(raw)
	if err != nil {
		return "", etl.Fatal(eris.Wrapf(err, "secrets: decode %s", id))
	}

	s.mu.Lock()
	s.cache[id] = cached{value: value, fetched: s.now()}
	s.mu.Unlock()
	s.log.Debug("secret resolved", zap.String("secret_id", id))
	return value, nil
}

func password(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		if trimmed == "" {
			return "", eris.New("empty secret")
		}
		return raw, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", eris.Wrap(err, "parse json secret")
	}
	pw, ok := obj["password"].(string)
	if !ok || pw == "" {
		return "", eris.New(`json secret has no "password" field`)
	}
	return pw, nil
}

// Env resolves secrets from MEDETL_SECRET_<ID> environment variables, with
// the id upper-cased and non-alphanumerics replaced by underscores.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv creates an environment-backed provider.
func NewEnv() *Env { return &Env{lookup: os.LookupEnv} }

// Get returns the value of the variable for id.
func (e *Env) Get(_ context.Context, id string) (string, error) {
	name := EnvName(id)
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return "", etl.Fatal(eris.Errorf("secrets: %s is not set", name))
	}
	return password(v)
}

// EnvName is the variable Env reads for id.
func EnvName(id string) string {
	var b strings.Builder
	b.WriteString("MEDETL_SECRET_")
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ResolveDSN returns dsn with its password replaced by the secret stored
// under secretID. An empty secretID returns dsn unchanged.
func ResolveDSN(ctx context.Context, p etl.SecretProvider, dsn, secretID string) (string, error) {
	if secretID == "" {
		return dsn, nil
	}
	pw, err := p.Get(ctx, secretID)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "", etl.Fatal(eris.New("secrets: database url must be a URL to take a password"))
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, pw)
	return u.String(), nil
}
