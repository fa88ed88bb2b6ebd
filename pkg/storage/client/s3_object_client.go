package client

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
)

// S3Config is the config for an S3ObjectClient.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	BucketName      string `yaml:"bucket_name"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Insecure        bool   `yaml:"insecure"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// RegisterFlags registers flags.
func (cfg *S3Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, "objstore.s3.endpoint", "", "S3 endpoint URL.")
	f.StringVar(&cfg.Region, "objstore.s3.region", "", "AWS region.")
	f.StringVar(&cfg.BucketName, "objstore.s3.bucket-name", "", "S3 bucket name.")
	f.StringVar(&cfg.AccessKeyID, "objstore.s3.access-key-id", "", "AWS access key id.")
	f.StringVar(&cfg.SecretAccessKey, "objstore.s3.secret-access-key", "", "AWS secret access key.")
	f.BoolVar(&cfg.Insecure, "objstore.s3.insecure", false, "Disable https on the S3 connection.")
	f.BoolVar(&cfg.ForcePathStyle, "objstore.s3.force-path-style", false, "Use path-style S3 addressing.")
}

// S3ObjectClient stores partition files in an S3-compatible bucket.
type S3ObjectClient struct {
	cfg S3Config
	s3  *s3.S3
}

// NewS3ObjectClient makes a new S3-backed ObjectClient.
func NewS3ObjectClient(cfg S3Config) (*S3ObjectClient, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("s3 bucket name is required")
	}

	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.ForcePathStyle).
		WithDisableSSL(cfg.Insecure)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "new s3 session")
	}
	return &S3ObjectClient{cfg: cfg, s3: s3.New(sess)}, nil
}

func (a *S3ObjectClient) Stop() {}

func (a *S3ObjectClient) PutObject(ctx context.Context, objectKey string, object io.ReadSeeker) error {
	_, err := a.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.BucketName),
		Key:    aws.String(objectKey),
		Body:   object,
	})
	return errors.Wrap(err, "put s3 object")
}

func (a *S3ObjectClient) GetObject(ctx context.Context, objectKey string, rnge *ByteRange) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.BucketName),
		Key:    aws.String(objectKey),
	}
	if rnge != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rnge.Start, rnge.End))
	}
	resp, err := a.s3.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, 0, errors.Wrap(err, "get s3 object")
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

func (a *S3ObjectClient) List(ctx context.Context, prefix string) ([]StorageObject, error) {
	var objects []StorageObject
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.BucketName),
		Prefix: aws.String(prefix),
	}
	for {
		output, err := a.s3.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return nil, errors.Wrap(err, "list s3 objects")
		}
		for _, obj := range output.Contents {
			objects = append(objects, StorageObject{
				Key:        aws.StringValue(obj.Key),
				Size:       aws.Int64Value(obj.Size),
				ModifiedAt: aws.TimeValue(obj.LastModified),
			})
		}
		if !aws.BoolValue(output.IsTruncated) {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}
	return objects, nil
}

func (a *S3ObjectClient) DeleteObject(ctx context.Context, objectKey string) error {
	_, err := a.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.BucketName),
		Key:    aws.String(objectKey),
	})
	return errors.Wrap(err, "delete s3 object")
}

func (a *S3ObjectClient) IsObjectNotFoundErr(err error) bool {
	if aerr, ok := errors.Cause(err).(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
