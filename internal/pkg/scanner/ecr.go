package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"docktor/internal/pkg/cache"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"k8s.io/klog/v2"
)

const (
	ecrRepoPattern    = "^public.ecr.aws.*|.*\\.dkr\\.ecr\\."
	keyPackageName    = "package_name"
	keyPackageVersion = "package_version"
)

var ecrRepoRegexp = regexp.MustCompile(ecrRepoPattern)

// copyFunc copies a non-ECR image into the ECR scan cache and returns the cached image URI.
type copyFunc func(ctx context.Context, client ecriface.ECRAPI, imageUri, accountId, region string) (*string, error)

// ECRSource scans images with AWS ECR image scanning. Images outside ECR are first copied to a cache repository.
type ECRSource struct {
	accountId string
	region    string
	ecr       ecriface.ECRAPI
	copyImage copyFunc
}

// NewECRSource returns an ECRSource using the shared AWS configuration for credentials and region.
func NewECRSource(accountId string) (*ECRSource, error) {
	s, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}
	return &ECRSource{
		accountId: accountId,
		region:    aws.StringValue(s.Config.Region),
		ecr:       ecr.New(s),
		copyImage: cache.CopyImageToECR,
	}, nil
}

func (s *ECRSource) Name() string { return "ecr" }

// Scan starts (or reuses) an ECR scan of the image, waits for it to complete and converts its findings.
func (s *ECRSource) Scan(ctx context.Context, image, artifactPath string) ([]RawFinding, error) {
	// Track the original image and scanned image separately in case the image needs to be copied to ECR
	scanImageUri := image
	if !ecrRepoRegexp.MatchString(image) {
		dst, err := s.copyImage(ctx, s.ecr, image, s.accountId, s.region)
		if err != nil {
			return nil, fmt.Errorf("copying %s to ECR for scanning: %w", image, err)
		}
		scanImageUri = *dst
	}

	if err := s.startScan(ctx, image, scanImageUri); err != nil {
		return nil, err
	}
	findings, err := s.getScanResults(ctx, image, scanImageUri)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding ECR findings for %s: %w", image, err)
	}
	if err := os.WriteFile(artifactPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing ECR findings for %s: %w", image, err)
	}

	var raws []RawFinding
	if findings != nil {
		for _, f := range findings.Findings {
			raws = append(raws, parseFinding(f))
		}
	}
	return raws, nil
}

// startScan starts a vulnerability scan for a given image. A scan that was already run recently is reused.
func (s *ECRSource) startScan(ctx context.Context, image, scanImageUri string) error {
	imageTag, repoName, registryId := splitECRAddress(scanImageUri)
	in := &ecr.StartImageScanInput{
		ImageId:        &ecr.ImageIdentifier{ImageTag: imageTag},
		RegistryId:     registryId,
		RepositoryName: repoName,
	}
	out, err := s.ecr.StartImageScanWithContext(ctx, in)
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case ecr.ErrCodeLimitExceededException:
				klog.Infof("Retrieving existing AWS ECR image scan results for %s:%s", *repoName, *imageTag)
				return nil
			case ecr.ErrCodeImageNotFoundException:
				return fmt.Errorf("image %s:%s not found in ECR: %w", *repoName, *imageTag, err)
			}
		}
		return fmt.Errorf("starting ECR scan of %s: %w", image, err)
	}
	klog.Infof("Started AWS ECR image scan on %s:%s: %s", aws.StringValue(out.RepositoryName), *imageTag, aws.StringValue(out.ImageScanStatus.Status))
	return nil
}

// getScanResults waits for and retrieves the latest image scan results for a given image.
func (s *ECRSource) getScanResults(ctx context.Context, image, scanImageUri string) (*ecr.ImageScanFindings, error) {
	klog.Infof("Waiting for scan results for image: %s", image)
	imageTag, repoName, registryId := splitECRAddress(scanImageUri)
	in := &ecr.DescribeImageScanFindingsInput{
		ImageId:        &ecr.ImageIdentifier{ImageTag: imageTag},
		RegistryId:     registryId,
		RepositoryName: repoName,
	}
	if err := s.ecr.WaitUntilImageScanCompleteWithContext(ctx, in); err != nil {
		return nil, fmt.Errorf("waiting for ECR scan of %s: %w", image, err)
	}
	out, err := s.ecr.DescribeImageScanFindingsWithContext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("describing ECR scan findings of %s: %w", image, err)
	}
	return out.ImageScanFindings, nil
}

// parseFinding extracts the vulnerability data from an ECR ImageScanFinding.
func parseFinding(finding *ecr.ImageScanFinding) RawFinding {
	attrs := make(map[string]string, len(finding.Attributes))
	for _, a := range finding.Attributes {
		attrs[aws.StringValue(a.Key)] = aws.StringValue(a.Value)
	}
	return RawFinding{
		VulnerabilityID:  aws.StringValue(finding.Name),
		PkgName:          attrs[keyPackageName],
		InstalledVersion: attrs[keyPackageVersion],
		Severity:         aws.StringValue(finding.Severity),
		Title:            aws.StringValue(finding.Name),
		Description:      finding.Description,
		PrimaryURL:       aws.StringValue(finding.Uri),
	}
}

// splitECRAddress splits an ECR image URI into <imageTag>, <repositoryName>, <registryAccountId> components.
// An untagged URI is treated as "latest".
func splitECRAddress(imageUri string) (*string, *string, *string) {
	repo, tag := imageUri, "latest"
	if i := strings.LastIndex(imageUri, ":"); i > strings.LastIndex(imageUri, "/") {
		repo, tag = imageUri[:i], imageUri[i+1:]
	}
	repoParts := strings.SplitN(repo, "/", 2)
	if len(repoParts) < 2 {
		return aws.String(tag), aws.String(repo), nil
	}
	return aws.String(tag), aws.String(repoParts[1]), aws.String(strings.Split(repoParts[0], ".")[0])
}
