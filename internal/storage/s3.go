package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Service stores finished downloads in Amazon S3 or a compatible API.
type S3Service struct {
	client   *s3.Client
	uploader *manager.Uploader
}

var _ Service = (*S3Service)(nil)

func NewS3Service(client *s3.Client) *S3Service {
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

// Upload sends each file of the task as its own object, tagged with the task
// id. Objects already written stay in place when a later file fails; the task
// keeps no remote location in that case and the prefix can be removed with
// DeletePrefix.
func (s *S3Service) Upload(ctx context.Context, upload TaskUpload) (Uploaded, error) {
	if upload.Bucket == "" {
		return Uploaded{}, fmt.Errorf("storage bucket is required")
	}
	if len(upload.Files) == 0 {
		return Uploaded{}, fmt.Errorf("nothing to upload for %s", upload.TaskID)
	}

	res := Uploaded{Location: upload.Location()}
	for _, file := range upload.Files {
		n, err := s.putFile(ctx, upload, file)
		if err != nil {
			return Uploaded{}, err
		}
		res.Objects++
		res.Bytes += n
	}
	return res, nil
}

func (s *S3Service) putFile(ctx context.Context, upload TaskUpload, file string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", file, err)
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(upload.Bucket),
		Key:      aws.String(upload.Key(file)),
		Body:     f,
		ACL:      types.ObjectCannedACLPrivate,
		Metadata: map[string]string{"task-id": upload.TaskID},
	}
	if ct := contentType(file); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return 0, fmt.Errorf("upload %s: %w", filepath.Base(file), err)
	}
	return info.Size(), nil
}

// contentType covers the containers yt-dlp produces that mime has no entry for.
func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".mkv":
		return "video/x-matroska"
	case ".url":
		return "application/internet-shortcut"
	case ".vtt":
		return "text/vtt"
	}
	return mime.TypeByExtension(filepath.Ext(file))
}

func (s *S3Service) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if p := strings.TrimSpace(prefix); p != "" {
		input.Prefix = aws.String(p)
	}

	var objects []ObjectInfo
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
	}
	return objects, nil
}

// DeletePrefix removes every object below prefix, one listing page per
// DeleteObjects call.
func (s *S3Service) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}

	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects for delete: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}
