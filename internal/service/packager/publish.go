package packager

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/service/fetcher"
)

const (
	archiveContentType    = "application/zip"
	binaryContentType     = "application/octet-stream"
	descriptorContentType = "application/yaml"
)

// uploader puts objects below the publish target.
type uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// publish uploads the payloads first and the descriptor last, so devices
// never see a descriptor that points at a missing object.
func (p *packager) publish(ctx context.Context, output string) error {
	client := p.client
	if client == nil {
		client = fetcher.NewS3Client(&p.cfg.S3, nil)
	}

	target, err := url.Parse(p.opts.Publish)
	if err != nil {
		return fmt.Errorf("parse publish target: %w", err)
	}

	descriptorURL := *target
	descriptorURL.Path = path.Join("/", target.Path, filepath.Base(output))

	objects := []object{{file: p.opts.Artifact, url: p.desc.URL, contentType: archiveContentType}}

	if p.desc.Updater != nil {
		objects = append(objects, object{file: p.opts.UpdaterBinary, url: p.desc.Updater.URL, contentType: binaryContentType})
	}

	objects = append(objects, object{file: output, url: descriptorURL.String(), contentType: descriptorContentType})

	for _, obj := range objects {
		if err = obj.upload(ctx, client); err != nil {
			return err
		}
	}

	return nil
}

// object is a local file and its destination.
type object struct {
	file, url, contentType string
}

func (o object) upload(ctx context.Context, client uploader) error {
	target, err := url.Parse(o.url)
	if err != nil {
		return fmt.Errorf("parse %q: %w", o.url, err)
	}

	if target.Scheme != "s3" {
		logger.WarnKV(ctx, "Skipping upload of an object outside the publish bucket", "url", o.url)

		return nil
	}

	bucket, key := fetcher.SplitS3URL(target)

	reader, err := os.Open(filepath.Clean(o.file))
	if err != nil {
		return err
	}

	defer func() {
		_ = reader.Close()
	}()

	info, err := reader.Stat()
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Uploading", "file", o.file, "bucket", bucket, "key", key)

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(o.contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", filepath.Base(o.file), bucket, key, err)
	}

	return nil
}
