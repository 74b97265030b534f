package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"

	"github.com/idatt2105/chainauth/internal/logging"
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// newSecretsClient is a seam for tests.
var newSecretsClient = func(ctx context.Context, region string) (secretsAPI, error) {
	var (
		cfg aws.Config
		err error
	)
	if region != "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// LoadEnv copies a JSON secret from AWS Secrets Manager into the environment
// when CHAINAUTH_AWS_SECRET_ID is set, then loads the dotenv file. Existing
// variables win unless CHAINAUTH_AWS_SECRET_OVERWRITE=true.
func LoadEnv(ctx context.Context, logger logging.Logger, dotenvPath string) {
	if logger == nil {
		logger = logging.Nop{}
	}
	if n, err := loadSecretIntoEnv(ctx); err != nil {
		logger.Warn(ctx, "skipping aws secrets manager", "error", err)
	} else if n > 0 {
		logger.Info(ctx, "loaded env from aws secrets manager", "count", n)
	}

	if path := os.Getenv("CHAINAUTH_ENV_FILE"); path != "" {
		dotenvPath = path
	}
	if dotenvPath == "" {
		return
	}
	if err := godotenv.Load(dotenvPath); err != nil && !os.IsNotExist(err) {
		logger.Warn(ctx, "dotenv load failed", "path", dotenvPath, "error", err)
	}
}

func loadSecretIntoEnv(ctx context.Context) (int, error) {
	secretID := os.Getenv("CHAINAUTH_AWS_SECRET_ID")
	if secretID == "" {
		return 0, nil
	}
	stage := os.Getenv("CHAINAUTH_AWS_SECRET_STAGE")
	if stage == "" {
		stage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("CHAINAUTH_AWS_SECRET_OVERWRITE"), "true")

	client, err := newSecretsClient(ctx, os.Getenv("CHAINAUTH_AWS_REGION"))
	if err != nil {
		return 0, err
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(stage),
	})
	if err != nil {
		return 0, fmt.Errorf("fetch secret %s: %w", secretID, err)
	}

	var payload []byte
	switch {
	case out.SecretString != nil:
		payload = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err != nil {
		return 0, fmt.Errorf("parse secret %s: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("set %s: %w", key, err)
		}
		applied++
	}
	return applied, nil
}
