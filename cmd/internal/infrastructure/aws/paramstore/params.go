package paramstore

import (
	"context"
	"errors"
	"fmt"
	"liverelay/cmd/internal/secrets"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/labstack/gommon/log"
)

// ParameterAPI is the slice of the SSM client we use.
type ParameterAPI interface {
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

func NewClient(ctx context.Context, region string) (*ssm.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return ssm.NewFromConfig(cfg), nil
}

// SecretSource resolves the relay credentials from SecureString parameters.
type SecretSource struct {
	client      ParameterAPI
	jwtParam    string
	apiKeyParam string
}

func NewSecretSource(client ParameterAPI, jwtParam, apiKeyParam string) *SecretSource {
	return &SecretSource{client: client, jwtParam: jwtParam, apiKeyParam: apiKeyParam}
}

func (s *SecretSource) Fetch(ctx context.Context) (*secrets.Credentials, error) {
	names := []string{s.jwtParam}
	if s.apiKeyParam != "" {
		names = append(names, s.apiKeyParam)
	}

	out, err := s.client.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", s.jwtParam, secrets.ErrMissingSecret)
		}
		return nil, err
	}

	values := make(map[string]string, len(out.Parameters))
	for _, p := range out.Parameters {
		values[aws.ToString(p.Name)] = aws.ToString(p.Value)
	}

	secret := values[s.jwtParam]
	if secret == "" {
		return nil, fmt.Errorf("%s: %w", s.jwtParam, secrets.ErrMissingSecret)
	}
	return &secrets.Credentials{
		JWTSecret:      secret,
		InternalAPIKey: values[s.apiKeyParam],
	}, nil
}

// ExportPath loads every parameter below prefix into the process environment,
// keyed by the name relative to prefix.
func ExportPath(ctx context.Context, client ParameterAPI, prefix string) (int, error) {
	var (
		next     *string
		exported int
	)
	for {
		out, err := client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(prefix),
			WithDecryption: aws.Bool(true),
			Recursive:      aws.Bool(true),
			NextToken:      next,
		})
		if err != nil {
			return exported, fmt.Errorf("unable to load parameters under %s: %w", prefix, err)
		}

		for _, param := range out.Parameters {
			key := aws.ToString(param.Name)[len(prefix):]
			if err := os.Setenv(key, aws.ToString(param.Value)); err != nil {
				return exported, fmt.Errorf("unable to set environment variable: %w", err)
			}
			exported++
		}

		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	log.Debugf("loaded %d environment variables from %s", exported, prefix)
	return exported, nil
}
