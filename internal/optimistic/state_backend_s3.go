package optimistic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3OperationTimeout = 10 * time.Second

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket    string
	Key       string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3StateBackend stores the registry snapshot as a single JSON object. The
// client is built from the default AWS credential chain on first use.
type S3StateBackend struct {
	cfg S3Config

	initOnce sync.Once
	initErr  error
	client   s3API
}

func NewS3StateBackend(cfg S3Config) (*S3StateBackend, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Key = strings.TrimPrefix(strings.TrimSpace(cfg.Key), "/")
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket required", ErrInvalidInput)
	}
	if cfg.Key == "" {
		cfg.Key = "relaymutate/registry.json"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &S3StateBackend{cfg: cfg}, nil
}

// parseS3DSN reads s3://bucket/key?region=..&endpoint=..&path_style=true.
func parseS3DSN(parsed *url.URL) S3Config {
	q := parsed.Query()
	pathStyle, _ := strconv.ParseBool(q.Get("path_style"))
	return S3Config{
		Bucket:    parsed.Host,
		Key:       parsed.Path,
		Region:    q.Get("region"),
		Endpoint:  q.Get("endpoint"),
		PathStyle: pathStyle,
	}
}

func (b *S3StateBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s3OperationTimeout)
	defer cancel()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.cfg.Key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *S3StateBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s3OperationTimeout)
	defer cancel()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.cfg.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (b *S3StateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		if b.client != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s3OperationTimeout)
		defer cancel()
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(b.cfg.Region))
		if err != nil {
			b.initErr = err
			return
		}
		b.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if b.cfg.PathStyle {
				o.UsePathStyle = true
			}
			if b.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(b.cfg.Endpoint)
			}
		})
	})
	return b.initErr
}
