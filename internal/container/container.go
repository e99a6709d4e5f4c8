// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package container shells out to an external container tool (podman) to
// pull an image and mount its root filesystem read-only, so the indexer has
// a plain directory tree to walk. Indexing the resulting path is the only
// consumer; this package does nothing else with the container once mounted.
package container

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shubhamai/silofs/internal/logger"
)

// Tool is the name of the external container CLI invoked for pull/run/mount.
// podman matches the tool the indexed-image workflow this package replaces
// was built against.
const Tool = "podman"

// Handle identifies a running, mounted container backing one indexing run.
type Handle struct {
	ImageName   string
	ContainerID string
	MountPath   string
}

// PullAndMount pulls imageName, starts a detached container from it, and
// mounts that container's root filesystem, returning the mounted path. The
// caller should call Cleanup when indexing completes, whether or not it
// succeeded.
func PullAndMount(imageName string) (*Handle, error) {
	logger.Infof("container: pulling image %s", imageName)
	if err := run(Tool, "pull", imageName); err != nil {
		return nil, fmt.Errorf("container: pulling %s: %w", imageName, err)
	}

	logger.Infof("container: starting container for %s", imageName)
	containerID, err := output(Tool, "run", "-dt", imageName)
	if err != nil {
		return nil, fmt.Errorf("container: running %s: %w", imageName, err)
	}

	logger.Infof("container: mounting %s (%s)", imageName, containerID)
	mountPath, err := output(Tool, "mount", containerID)
	if err != nil {
		return nil, fmt.Errorf("container: mounting %s: %w", containerID, err)
	}

	return &Handle{ImageName: imageName, ContainerID: containerID, MountPath: mountPath}, nil
}

// Cleanup unmounts and removes the container backing h. Errors are logged,
// not returned, since a failed cleanup must not fail an otherwise-successful
// indexing run.
func (h *Handle) Cleanup() {
	if h == nil || h.ContainerID == "" {
		return
	}
	if err := run(Tool, "umount", h.ContainerID); err != nil {
		logger.Warnf("container: unmounting %s: %v", h.ContainerID, err)
	}
	if err := run(Tool, "rm", "-f", h.ContainerID); err != nil {
		logger.Warnf("container: removing %s: %v", h.ContainerID, err)
	}
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func output(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
