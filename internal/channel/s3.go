package channel

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectStore is the subset of *minio.Client the channel uses.
type objectStore interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

// S3Channel serves a drop site kept in an S3 compatible bucket. The prefix
// plays the role of the remote directory; deeper keys are ignored.
type S3Channel struct {
	host    string
	bucket  string
	prefix  string
	timeout time.Duration
	client  objectStore
}

// newS3Channel accepts s3://host[:port]/bucket[/prefix]. TLS is used unless
// the query sets insecure=true; region= is passed through.
func newS3Channel(u *url.URL, accessKey, secretKey string, timeout time.Duration) (*S3Channel, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: s3 url has no host", ErrInvalidEndpoint)
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: s3 url has no bucket", ErrInvalidEndpoint)
	}
	if accessKey == "" && u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}
	insecure, _ := strconv.ParseBool(u.Query().Get("insecure"))
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: !insecure,
		Region: u.Query().Get("region"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	prefix := ""
	if len(parts) == 2 && strings.Trim(parts[1], "/") != "" {
		prefix = strings.Trim(parts[1], "/") + "/"
	}
	return &S3Channel{
		host:    u.Host,
		bucket:  parts[0],
		prefix:  prefix,
		timeout: timeout,
		client:  client,
	}, nil
}

func (c *S3Channel) String() string {
	return "s3://" + c.host + "/" + path.Join(c.bucket, c.prefix)
}

func (c *S3Channel) Exists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, found, err := c.resolve(ctx, name)
	if err != nil {
		return false, transportError(c.String(), "list", name, err)
	}
	return found, nil
}

func (c *S3Channel) Download(ctx context.Context, name, localPath string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	key, found, err := c.resolve(ctx, name)
	if err != nil {
		return transportError(c.String(), "download", name, err)
	}
	if !found {
		return transportError(c.String(), "download", name, ErrNotFound)
	}
	if err := c.client.FGetObject(ctx, c.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(localPath)
		return transportError(c.String(), "download", name, err)
	}
	return nil
}

func (c *S3Channel) Upload(ctx context.Context, name, localPath string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.client.FPutObject(ctx, c.bucket, c.prefix+name, localPath, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	return transportError(c.String(), "upload", name, err)
}

// Delete looks the object up first; S3 reports success for absent keys.
func (c *S3Channel) Delete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	key, found, err := c.resolve(ctx, name)
	if err != nil {
		return false, transportError(c.String(), "delete", name, err)
	}
	if !found {
		return false, nil
	}
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return false, transportError(c.String(), "delete", name, err)
	}
	return true, nil
}

// resolve lists the prefix and returns the key whose base name matches
// name case-insensitively.
func (c *S3Channel) resolve(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range c.client.ListObjects(listCtx, c.bucket, minio.ListObjectsOptions{Prefix: c.prefix}) {
		if obj.Err != nil {
			return "", false, obj.Err
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if strings.EqualFold(strings.TrimPrefix(obj.Key, c.prefix), name) {
			return obj.Key, true, nil
		}
	}
	return "", false, ctx.Err()
}

func (c *S3Channel) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
