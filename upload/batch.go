package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// UploadMany uploads several files with bounded concurrency. Input paths may
// contain doublestar patterns; patterns expand to one input per matched
// regular file before any upload starts, and onProgress receives the index
// into that expanded list.
//
// Every input is attempted even when some fail. The returned slice is aligned
// with the expanded inputs, holding nil at failed indices, and the error
// wraps the first failure.
func (u *uploader) UploadMany(ctx context.Context, inputs []UploadInput, onProgress func(index int, progress Progress)) ([]*FileRecord, error) {
	expanded := u.expandInputs(inputs)
	if len(expanded) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	concurrency := u.config.FileConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	u.logger.Infof("Uploading %d files, %d at a time", len(expanded), concurrency)

	records := make([]*FileRecord, len(expanded))
	errs := make([]error, len(expanded))
	semaphore := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for i, input := range expanded {
		wg.Add(1)
		go func(i int, input UploadInput) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			perInput := input.OnProgress
			input.OnProgress = func(progress Progress) {
				if perInput != nil {
					perInput(progress)
				}
				if onProgress != nil {
					onProgress(i, progress)
				}
			}

			records[i], errs[i] = u.Upload(ctx, input)
		}(i, input)
	}
	wg.Wait()

	var failed int
	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		} else {
			u.logger.Warnf("Upload of %s failed: %s", expanded[i].Path, err)
		}
	}
	if firstErr != nil {
		return records, fmt.Errorf("%d of %d uploads failed: %w", failed, len(expanded), firstErr)
	}
	return records, nil
}

// expandInputs resolves doublestar patterns into one input per matched
// regular file. Non-pattern paths pass through untouched so Upload can report
// precise errors for them.
func (u *uploader) expandInputs(inputs []UploadInput) []UploadInput {
	var expanded []UploadInput
	for _, input := range inputs {
		if !strings.Contains(input.Path, "*") {
			expanded = append(expanded, input)
			continue
		}

		base, pattern := doublestar.SplitPattern(input.Path)
		absBase, err := u.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			u.logger.Warnf("Failed to parse path %s, error: %s", base, err)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if matches == nil {
			u.logger.Warnf("No match for path pattern: %s", input.Path)
			continue
		}
		if err != nil {
			u.logger.Warnf("Error in path pattern '%s': %s", input.Path, err)
			continue
		}

		for _, match := range matches {
			path := filepath.Join(absBase, match)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}

			clone := input
			clone.Path = path
			// A pattern matches many files; a single name cannot cover them.
			clone.FileName = ""
			expanded = append(expanded, clone)
		}
	}
	return expanded
}
