package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	digest "github.com/opencontainers/go-digest"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/channel"
)

// ObjectStoreArgs configures an S3-compatible object-store cache backend.
// Google Cloud Storage's XML API is S3-interoperable, so a single backend
// serves both the spec's "google_cloud_storage" tag and any other
// S3-compatible endpoint; Endpoint defaults to GCS's interoperability host.
type ObjectStoreArgs struct {
	Bucket         string `json:"bucket"`
	Prefix         string `json:"prefix,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	Region         string `json:"region,omitempty"`
	AccessKeyID    string `json:"access_key_id,omitempty"`
	SecretKey      string `json:"secret_access_key,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty"`
}

const defaultObjectStoreEndpoint = "https://storage.googleapis.com"

// ObjectStoreSource identifies a cache hit from the object-store backend.
type ObjectStoreSource struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (ObjectStoreSource) isSource() {}

// ObjectStore caches objects in an S3-compatible bucket, keyed by a flat
// prefix + oid object name (no fan-out directories).
type ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewObjectStore constructs an object-store cache backend. Credentials are
// either the explicit static pair in args, or (when empty) the ambient AWS
// SDK default credential chain, which GCS's S3-interoperability mode also
// honors via HMAC keys exported as AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY.
func NewObjectStore(ctx context.Context, args ObjectStoreArgs) (*ObjectStore, error) {
	if args.Bucket == "" {
		return nil, fmt.Errorf("cache/objectstore: bucket is required")
	}
	endpoint := args.Endpoint
	if endpoint == "" {
		endpoint = defaultObjectStoreEndpoint
	}
	region := args.Region
	if region == "" {
		region = "auto"
	}

	var credsProvider aws.CredentialsProvider
	if args.AccessKeyID != "" {
		credsProvider = credentials.NewStaticCredentialsProvider(args.AccessKeyID, args.SecretKey, "")
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache/objectstore: loading default credentials: %w", err)
		}
		credsProvider = awsCfg.Credentials
	}

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
		Credentials:  credsProvider,
		UsePathStyle: args.ForcePathStyle,
	})

	prefix := args.Prefix
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &ObjectStore{client: client, bucket: args.Bucket, prefix: prefix}, nil
}

func (o *ObjectStore) key(oid digest.Digest) string {
	return o.prefix + oid.Encoded()
}

// Get streams the object body through w.
func (o *ObjectStore) Get(ctx context.Context, oid digest.Digest, _ int64, w *channel.Writer) (Source, error) {
	key := o.key(oid)
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("cache/objectstore: getting object: %w", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return nil, fmt.Errorf("cache/objectstore: streaming object: %w", err)
	}
	return ObjectStoreSource{Bucket: o.bucket, Key: key}, nil
}

// Put uploads the object with a conditional PUT so a lost race against
// another writer of the same content-addressed object is benign.
func (o *ObjectStore) Put(ctx context.Context, oid digest.Digest, size int64, r *channel.Reader) error {
	key := o.key(oid)

	cur, err := r.Stream()
	if err != nil {
		return fmt.Errorf("cache/objectstore: opening stream: %w", err)
	}
	defer cur.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        cur,
		IfNoneMatch: aws.String("*"),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}

	_, err = o.client.PutObject(ctx, input,
		s3.WithAPIOptions(func(stack *middleware.Stack) error {
			return v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware(stack)
		}),
		func(opts *s3.Options) {
			opts.RetryMaxAttempts = 1
		},
	)
	if err != nil {
		if isConditionalPutConflict(err) {
			slog.Debug("cache/objectstore: object already present, skipping", "key", key)
			return nil
		}
		return fmt.Errorf("cache/objectstore: putting object: %w", err)
	}
	return nil
}

// isConditionalPutConflict returns true when the PutObject error indicates
// the object already exists (HTTP 412 Precondition Failed or 409 Conflict).
func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}
