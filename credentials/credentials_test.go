package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Credentials
		wantErr bool
	}{
		{
			name: "both set",
			env:  map[string]string{UsernameEnv: "gis-bot", PasswordEnv: "s3cret"},
			want: Credentials{Username: "gis-bot", Password: "s3cret"},
		},
		{name: "password missing", env: map[string]string{UsernameEnv: "gis-bot"}, wantErr: true},
		{name: "username empty", env: map[string]string{UsernameEnv: "", PasswordEnv: "x"}, wantErr: true},
		{name: "nothing set", env: map[string]string{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewEnvProvider()
			p.lookup = func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			}
			got, err := p.Credentials(context.Background())
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMissing)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvProviderReadsProcessEnvironment(t *testing.T) {
	t.Setenv(UsernameEnv, "env-user")
	t.Setenv(PasswordEnv, "env-pass")
	got, err := NewEnvProvider().Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-user", got.Username)
}

func TestCredentialsNeverPrintPassword(t *testing.T) {
	c := Credentials{Username: "gis-bot", Password: "hunter2"}
	assert.NotContains(t, fmt.Sprint(c), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", c), "hunter2")

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("login", "credentials", c)
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "gis-bot")
}

type fakeSecretsManager struct {
	getSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
}

func (f *fakeSecretsManager) GetSecretValue(
	ctx context.Context,
	params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	return f.getSecretValueFunc(ctx, params)
}

func TestSecretsManagerProvider(t *testing.T) {
	tests := []struct {
		name      string
		out       *secretsmanager.GetSecretValueOutput
		err       error
		want      Credentials
		wantErrIs error
		wantErr   bool
	}{
		{
			name: "json secret",
			out:  &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"username":"gis-bot","password":"s3cret"}`)},
			want: Credentials{Username: "gis-bot", Password: "s3cret"},
		},
		{
			name:      "not found",
			err:       &types.ResourceNotFoundException{Message: aws.String("no such secret")},
			wantErrIs: ErrSecretNotFound,
		},
		{
			name:    "other error",
			err:     errors.New("access denied"),
			wantErr: true,
		},
		{
			name:      "binary secret",
			out:       &secretsmanager.GetSecretValueOutput{SecretBinary: []byte("x")},
			wantErrIs: ErrMissing,
		},
		{
			name:    "not json",
			out:     &secretsmanager.GetSecretValueOutput{SecretString: aws.String("gis-bot:s3cret")},
			wantErr: true,
		},
		{
			name:      "missing password",
			out:       &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"username":"gis-bot"}`)},
			wantErrIs: ErrMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			fake := &fakeSecretsManager{
				getSecretValueFunc: func(_ context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					gotID = aws.ToString(params.SecretId)
					return tt.out, tt.err
				},
			}
			p := NewSecretsManagerProviderWithClient(fake, "layersync/agol")
			got, err := p.Credentials(context.Background())
			assert.Equal(t, "layersync/agol", gotID)
			switch {
			case tt.wantErrIs != nil:
				require.ErrorIs(t, err, tt.wantErrIs)
			case tt.wantErr:
				require.Error(t, err)
				assert.NotContains(t, err.Error(), "s3cret")
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
