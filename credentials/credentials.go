// Package credentials supplies the username and password used to log in to the content platform.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

const (
	UsernameEnv = "AGOL_USERNAME"
	PasswordEnv = "AGOL_PASSWORD"
)

var (
	ErrMissing        = errors.New("credentials missing")
	ErrSecretNotFound = errors.New("secret not found")
)

type Credentials struct {
	Username string
	Password string
}

// String never reveals the password.
func (c Credentials) String() string {
	return c.Username + ":***"
}

// LogValue keeps the password out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

func (c Credentials) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("%w: empty username", ErrMissing)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: empty password", ErrMissing)
	}
	return nil
}

type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// EnvProvider reads credentials from the process environment on every call.
type EnvProvider struct {
	UsernameVar string
	PasswordVar string
	lookup      func(string) (string, bool)
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{UsernameVar: UsernameEnv, PasswordVar: PasswordEnv, lookup: os.LookupEnv}
}

func (p *EnvProvider) Credentials(_ context.Context) (Credentials, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var c Credentials
	var ok bool
	if c.Username, ok = lookup(p.UsernameVar); !ok {
		return Credentials{}, fmt.Errorf("%w: %s not set", ErrMissing, p.UsernameVar)
	}
	if c.Password, ok = lookup(p.PasswordVar); !ok {
		return Credentials{}, fmt.Errorf("%w: %s not set", ErrMissing, p.PasswordVar)
	}
	return c, c.Validate()
}

// SecretsManagerAPI is the part of the Secrets Manager client this package uses.
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider reads a secret whose string value is {"username": "...", "password": "..."}.
type SecretsManagerProvider struct {
	client   SecretsManagerAPI
	secretID string
}

// NewSecretsManagerProvider uses the default AWS configuration chain. An empty region keeps
// the region from that chain.
func NewSecretsManagerProvider(ctx context.Context, secretID, region string) (*SecretsManagerProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if region != "" {
		awsCfg.Region = region
	}
	return NewSecretsManagerProviderWithClient(secretsmanager.NewFromConfig(awsCfg), secretID), nil
}

func NewSecretsManagerProviderWithClient(client SecretsManagerAPI, secretID string) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client, secretID: secretID}
}

type secretValue struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (p *SecretsManagerProvider) Credentials(ctx context.Context) (Credentials, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return Credentials{}, fmt.Errorf("%w: %s", ErrSecretNotFound, p.secretID)
		}
		return Credentials{}, fmt.Errorf("get secret %s: %w", p.secretID, err)
	}
	if out.SecretString == nil {
		return Credentials{}, fmt.Errorf("%w: secret %s has no string value", ErrMissing, p.secretID)
	}
	var v secretValue
	if err := json.Unmarshal([]byte(*out.SecretString), &v); err != nil {
		// the unmarshal error could quote the secret
		return Credentials{}, fmt.Errorf("secret %s is not a JSON object with username and password", p.secretID)
	}
	c := Credentials{Username: v.Username, Password: v.Password}
	return c, c.Validate()
}
