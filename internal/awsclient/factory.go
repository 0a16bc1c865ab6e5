// Package awsclient provides the AWS SDK v2 client layer for groupbot:
// rate-limited, logged service clients built either from the ambient
// credential chain or from explicit static credentials.
package awsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
)

// StaticCredentials holds explicit credential material for clients that
// cannot use the ambient chain.
type StaticCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Factory creates rate-limited AWS service clients sharing one resolved
// configuration.
type Factory struct {
	cfg         aws.Config
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewFactory resolves the default credential chain for the given region.
func NewFactory(ctx context.Context, region string, logger zerolog.Logger) (*Factory, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(5),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &Factory{
		cfg:         cfg,
		rateLimiter: NewRateLimiter(10),
		logger:      logger,
	}, nil
}

// NewStaticFactory builds a factory from explicit credentials, used by
// agents deployed with scoped access keys.
func NewStaticFactory(region string, creds StaticCredentials, logger zerolog.Logger) *Factory {
	cfg := aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		),
		RetryMaxAttempts: 5,
	}
	return &Factory{
		cfg:         cfg,
		rateLimiter: NewRateLimiter(10),
		logger:      logger,
	}
}

// Wait blocks until the per-service rate limit allows another call.
func (f *Factory) Wait(service string) {
	f.rateLimiter.Wait(service)
	f.logger.Trace().Str("service", service).Msg("aws api call")
}

func (f *Factory) S3Client() *s3.Client         { return s3.NewFromConfig(f.cfg) }
func (f *Factory) IAMClient() *iam.Client       { return iam.NewFromConfig(f.cfg) }
func (f *Factory) LambdaClient() *lambda.Client { return lambda.NewFromConfig(f.cfg) }
func (f *Factory) STSClient() *sts.Client       { return sts.NewFromConfig(f.cfg) }
func (f *Factory) SSMClient() *ssm.Client       { return ssm.NewFromConfig(f.cfg) }
func (f *Factory) SecretsManagerClient() *secretsmanager.Client {
	return secretsmanager.NewFromConfig(f.cfg)
}

// CallerIdentity performs sts:GetCallerIdentity, returning the ARN and
// account id of the active credentials.
func (f *Factory) CallerIdentity(ctx context.Context) (arn, account string, err error) {
	f.Wait("sts")
	out, err := f.STSClient().GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", "", fmt.Errorf("GetCallerIdentity: %w", err)
	}
	return aws.ToString(out.Arn), aws.ToString(out.Account), nil
}

// RateLimiter spaces out calls per service name.
type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec int
	lastCall   map[string]time.Time
}

func NewRateLimiter(ratePerSec int) *RateLimiter {
	return &RateLimiter{
		ratePerSec: ratePerSec,
		lastCall:   make(map[string]time.Time),
	}
}

func (rl *RateLimiter) Wait(service string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	minInterval := time.Second / time.Duration(rl.ratePerSec)
	if last, ok := rl.lastCall[service]; ok {
		if elapsed := time.Since(last); elapsed < minInterval {
			time.Sleep(minInterval - elapsed)
		}
	}
	rl.lastCall[service] = time.Now()
}
