// Package cache copies images that live outside ECR into a short-lived ECR repository so that ECR image scanning
// can be used on them.
package cache

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/klog/v2"
)

// RepositoryPrefix is prepended to the repository name of every cached image.
const RepositoryPrefix = "docktor-cache"

const cacheRepoLifecyclePolicy = `{
    "rules": [
        {
            "rulePriority": 1,
            "description": "Expire all images after 1 day",
            "selection": {
                "tagStatus": "any",
                "countType": "sinceImagePushed",
                "countUnit": "days",
                "countNumber": 1
            },
            "action": {
                "type": "expire"
            }
        }
    ]
}`

// CopyImageToECR pulls an image and pushes it to the ECR cache repository of the given account and region,
// returning the URI of the cached copy.
func CopyImageToECR(ctx context.Context, client ecriface.ECRAPI, imageUri, accountId, region string) (*string, error) {
	repo, tag, err := CacheLocation(imageUri)
	if err != nil {
		return nil, err
	}

	klog.Infof("Pulling image from non-ECR source: %s", imageUri)
	img, err := crane.Pull(imageUri, crane.WithAuthFromKeychain(authn.DefaultKeychain), crane.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("pulling %s: %w", imageUri, err)
	}

	if err := createCacheRepository(ctx, client, repo); err != nil {
		return nil, fmt.Errorf("creating cache repository %s: %w", repo, err)
	}

	dst := fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:%s", accountId, region, repo, tag)
	klog.Infof("Pushing image to ECR: %s", dst)
	err = crane.Push(img, dst, crane.WithAuthFromKeychain(authn.DefaultKeychain), crane.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("pushing %s: %w", dst, err)
	}
	return &dst, nil
}

// CacheLocation returns the cache repository name and tag under which imageUri is stored. Digest references are
// tagged with the hex part of the digest.
func CacheLocation(imageUri string) (string, string, error) {
	ref, err := name.ParseReference(imageUri)
	if err != nil {
		return "", "", fmt.Errorf("parsing image reference %s: %w", imageUri, err)
	}
	repo := path.Join(RepositoryPrefix, path.Base(ref.Context().RepositoryStr()))
	tag := ref.Identifier()
	if i := strings.Index(tag, ":"); i >= 0 {
		tag = tag[i+1:]
	}
	return repo, tag, nil
}

// createCacheRepository creates the ECR repository used to store non-ECR images for scanning.
// A lifecycle policy is automatically added to the created repository so that images copied for
// scanning are not stored for longer than 1 day.
func createCacheRepository(ctx context.Context, client ecriface.ECRAPI, cacheRepoName string) error {
	klog.Infof("Creating cache repository %s...", cacheRepoName)
	in := &ecr.CreateRepositoryInput{RepositoryName: aws.String(cacheRepoName)}
	_, err := client.CreateRepositoryWithContext(ctx, in)
	if err != nil {
		aerr, ok := err.(awserr.Error)
		if !ok || aerr.Code() != ecr.ErrCodeRepositoryAlreadyExistsException {
			return err
		}
		klog.Infof("Cache repository %s already exists", cacheRepoName)
	}

	lin := &ecr.PutLifecyclePolicyInput{
		RepositoryName:      aws.String(cacheRepoName),
		LifecyclePolicyText: aws.String(cacheRepoLifecyclePolicy),
	}
	_, err = client.PutLifecyclePolicyWithContext(ctx, lin)
	return err
}
