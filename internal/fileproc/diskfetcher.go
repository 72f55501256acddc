// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package fileproc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cardinalhq/jobrunner/internal/jobs"
)

// DiskFetcher reads file bytes from a local directory tree. Storage paths
// are relative to Root; escapes above it are rejected.
type DiskFetcher struct {
	Root string
}

func NewDiskFetcher(root string) *DiskFetcher {
	return &DiskFetcher{Root: root}
}

func (f *DiskFetcher) Fetch(_ context.Context, storagePath string) ([]byte, error) {
	full := filepath.Join(f.Root, filepath.Clean("/"+storagePath))
	if !strings.HasPrefix(full, filepath.Clean(f.Root)+string(os.PathSeparator)) {
		return nil, jobs.Errorf(jobs.KindInvalidInput, "storage path escapes root: %s", storagePath)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, jobs.NewKindError(jobs.KindNotFound, fmt.Errorf("blob %s: %w", storagePath, err))
		}
		if os.IsPermission(err) {
			return nil, jobs.NewKindError(jobs.KindAccessDenied, fmt.Errorf("blob %s: %w", storagePath, err))
		}
		return nil, fmt.Errorf("read blob %s: %w", storagePath, err)
	}
	return data, nil
}
