package upload

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// listRemote returns the objects under the prefix keyed by their path
// relative to it.
func (u *s3Uploader) listRemote(ctx context.Context) (map[string]remoteObject, error) {
	prefix := u.resolvePrefix() + "/"
	out := make(map[string]remoteObject)

	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}

			rel := strings.TrimPrefix(*obj.Key, prefix)

			o := remoteObject{Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.LastModified = obj.LastModified.UTC()
			}

			out[rel] = o
		}
	}

	return out, nil
}
