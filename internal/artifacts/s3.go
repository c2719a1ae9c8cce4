// Package artifacts hands out presigned S3 URLs for job logs and result
// bundles. The broker never proxies artifact bytes; hosts upload
// directly and renters download directly.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/gpubroker/pkg/model"
)

// uploadTTL and downloadTTL bound how long a presigned URL stays valid.
const (
	uploadTTL   = time.Hour
	downloadTTL = 15 * time.Minute
)

// URLs is the pair of presigned links issued for one artifact kind.
type URLs struct {
	PutURL string `json:"put_url,omitempty"`
	GetURL string `json:"get_url,omitempty"`
}

// JobArtifacts bundles the links for everything a job produces.
type JobArtifacts struct {
	Log     URLs `json:"log"`
	Results URLs `json:"results"`
}

// S3Store issues presigned URLs against one bucket.
type S3Store struct {
	presign *s3.PresignClient
	bucket  string
	logger  *slog.Logger
}

// NewS3Store loads the ambient AWS configuration and wraps a presign
// client for the given bucket.
func NewS3Store(ctx context.Context, bucket string, logger *slog.Logger) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		logger:  logger.With("component", "artifacts"),
	}, nil
}

func logKey(jobID string) string     { return "jobs/" + jobID + "/output.log" }
func resultsKey(jobID string) string { return "jobs/" + jobID + "/results.tar.gz" }

// UploadURLs returns presigned PUT links the assigned host uses to push
// the job's log and result bundle.
func (s *S3Store) UploadURLs(ctx context.Context, jobID string) (*JobArtifacts, error) {
	logURL, err := s.presignPut(ctx, logKey(jobID))
	if err != nil {
		return nil, err
	}
	resURL, err := s.presignPut(ctx, resultsKey(jobID))
	if err != nil {
		return nil, err
	}
	return &JobArtifacts{
		Log:     URLs{PutURL: logURL},
		Results: URLs{PutURL: resURL},
	}, nil
}

// DownloadURLs returns presigned GET links for a finished job. Only
// artifacts the result references get a link.
func (s *S3Store) DownloadURLs(ctx context.Context, j *model.Job) (*JobArtifacts, error) {
	out := &JobArtifacts{}
	if j.Result == nil {
		return out, nil
	}
	if j.Result.LogURL != "" {
		u, err := s.presignGet(ctx, logKey(j.ID))
		if err != nil {
			return nil, err
		}
		out.Log.GetURL = u
	}
	if j.Result.ResultsURL != "" {
		u, err := s.presignGet(ctx, resultsKey(j.ID))
		if err != nil {
			return nil, err
		}
		out.Results.GetURL = u
	}
	return out, nil
}

func (s *S3Store) presignPut(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(uploadTTL))
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) presignGet(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(downloadTTL))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}
