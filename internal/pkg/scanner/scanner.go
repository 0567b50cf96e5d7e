package scanner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

type scanner struct {
	source      Source
	artifactDir string
	ctx         context.Context
	imageChan   chan string
	resultsChan chan *ScanResult
	wg          *sync.WaitGroup
}

// ScanImages scans every image with the given source, running at most concurrency scans at once. It returns
// exactly one ScanResult per image, in the order of images; a failed or cancelled scan yields a StatusFailed result
// rather than an error.
func ScanImages(ctx context.Context, source Source, images []string, concurrency int, artifactDir string) []*ScanResult {
	if len(images) == 0 {
		klog.Info("No images to scan; nothing to do.")
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	klog.Infof("Started %d %s vulnerability scans at %s", len(images), source.Name(), time.Now().Format(time.RFC1123))

	// Put all images into a channel to scan them concurrently
	imageChan := make(chan string, len(images))
	for _, image := range images {
		imageChan <- image
	}
	close(imageChan)

	s := &scanner{
		source:      source,
		artifactDir: artifactDir,
		ctx:         ctx,
		imageChan:   imageChan,
		resultsChan: make(chan *ScanResult, len(images)),
		wg:          &sync.WaitGroup{},
	}
	s.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go s.processImages()
	}
	s.wg.Wait()
	close(s.resultsChan)

	byImage := make(map[string]*ScanResult, len(images))
	for r := range s.resultsChan {
		byImage[r.Image] = r
	}
	results := make([]*ScanResult, len(images))
	for i, image := range images {
		r, ok := byImage[image]
		if !ok {
			// Cancelled before any worker picked the image up.
			r = FailedScanResult(image, "", fmt.Errorf("scan of %s not started: %w", image, ctx.Err()))
		}
		results[i] = r
	}

	klog.Infof("All image scans completed.")
	return results
}

// ArtifactPath returns where the raw output of a scan of image by source is written.
func ArtifactPath(dir string, source Source, image string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.json", source.Name(), SafeName(image)))
}

// processImages scans images from the scanner's image channel until it is drained or the context is cancelled;
// can safely be called concurrently.
func (s *scanner) processImages() {
	defer s.wg.Done()
	for {
		select {
		case image, ok := <-s.imageChan:
			if !ok {
				return
			}
			s.resultsChan <- s.scanImage(image)
		case <-s.ctx.Done():
			klog.Info("Received cancellation signal, stopping image scans...")
			return
		}
	}
}

func (s *scanner) scanImage(image string) *ScanResult {
	klog.Infof("Scanning image %s", image)
	artifactPath := ArtifactPath(s.artifactDir, s.source, image)
	raws, err := s.source.Scan(s.ctx, image, artifactPath)
	if err != nil {
		klog.Warningf("Scan FAILED for %s, image was not scanned: %s", image, err.Error())
		return FailedScanResult(image, "", err)
	}
	r := NewScanResult(image, artifactPath, raws)
	if r.Status == StatusClean {
		klog.Infof("Scan of %s completed with no findings", image)
	} else {
		klog.Infof("Scan of %s completed: %d findings (%s)", image, r.Findings, r.SeverityBreakdown())
	}
	return r
}
