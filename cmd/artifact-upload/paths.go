package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

type pathCollector struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

func newPathCollector(pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) pathCollector {
	return pathCollector{
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		logger:       logger,
	}
}

// evaluatePaths expands wildcard patterns and returns the absolute paths of existing files,
// without duplicates, in a stable order.
func (c pathCollector) evaluatePaths(paths []string) []string {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := c.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			c.logger.Warnf("Failed to parse path %s, error: %s", base, err)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			c.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			c.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := c.pathModifier.AbsPath(path)
		if err != nil {
			c.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := c.pathChecker.IsPathExists(absPath)
		if err != nil {
			c.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			c.logger.Warnf("Artifact path doesn't exist: %s", path)
			continue
		}

		isDir, err := c.pathChecker.IsDirExists(absPath)
		if err != nil {
			c.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if isDir {
			c.logger.Debugf("Skipping directory: %s", absPath)
			continue
		}

		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	sort.Strings(finalPaths)

	return finalPaths
}
