// Copyright (c) 2025 HDOps, Inc. All rights reserved.

package util

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// JiraTokenEnv bypasses Secrets Manager lookups (smoketests, local runs).
// When set, ResolveJiraToken returns the value directly.
const JiraTokenEnv = "TICKET_MIGRATION_JIRA_TOKEN" //nolint:gosec // env var name, not a credential

// LoadAWSCredentials applies explicitly configured AWS credentials as
// environment variables so the SDK default chain picks them up. When
// nothing is configured the default chain (shared config, SSO cache,
// IAM roles) is left alone.
func LoadAWSCredentials(accessKeyID, secretAccessKey, sessionToken string) {
	if accessKeyID == "" || secretAccessKey == "" {
		return
	}
	_ = os.Setenv("AWS_ACCESS_KEY_ID", accessKeyID)
	_ = os.Setenv("AWS_SECRET_ACCESS_KEY", secretAccessKey)
	if sessionToken != "" {
		_ = os.Setenv("AWS_SESSION_TOKEN", sessionToken)
	}
}

// GetTokenFromSecretsManager retrieves the Jira API token from AWS
// Secrets Manager. The secret JSON is expected to contain a "token"
// field; a bare secret string is accepted as the token itself.
func GetTokenFromSecretsManager(ctx context.Context, secretName, region string) (string, error) {
	if secretName == "" {
		return "", fmt.Errorf("secret name is required for Secrets Manager")
	}
	if region == "" {
		return "", fmt.Errorf("region is required for Secrets Manager")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return "", fmt.Errorf("create AWS config: %w", err)
	}

	svc := secretsmanager.NewFromConfig(awsCfg)
	out, err := svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretName),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret string empty for %s", secretName)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		// Not JSON; treat the whole string as the token.
		return *out.SecretString, nil
	}
	if payload.Token == "" {
		return "", fmt.Errorf("token field empty in secret %s", secretName)
	}
	return payload.Token, nil
}

// ResolveJiraToken returns the Jira API token. Resolution order: the
// bypass environment variable, the inline configured token, then AWS
// Secrets Manager.
func ResolveJiraToken(ctx context.Context, inlineToken, secretName, region string) (string, error) {
	if tok, ok := os.LookupEnv(JiraTokenEnv); ok {
		return tok, nil
	}
	if inlineToken != "" {
		return inlineToken, nil
	}
	return GetTokenFromSecretsManager(ctx, secretName, region)
}
