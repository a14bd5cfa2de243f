package caching

import (
	"errors"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

type LocalDiskCache struct{}

var _ DiskCache = (*LocalDiskCache)(nil)

func InitDiskCache() *LocalDiskCache {
	return new(LocalDiskCache)
}

func (l LocalDiskCache) Read(filepath string) ([]byte, error) {
	file, err := os.ReadFile(filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("file %s does not exist on disk", filepath)

			return nil, err
		}

		log.Errorf("error reading file %s from disk: %v", filepath, err)

		return nil, err
	}

	return file, nil
}

// Write replaces the file atomically: data goes to a temp file in the same directory
// which is synced and renamed over the target.
func (l LocalDiskCache) Write(path string, data []byte) error {
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		log.Errorf("error creating directory %s: %v", dir, err)

		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Errorf("error creating temp file for %s: %v", path, err)

		return err
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		log.Errorf("error writing file %s to disk: %v", path, err)

		return err
	}

	if err = tmp.Sync(); err != nil {
		tmp.Close()

		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmpName, 0o644); err != nil {
		return err
	}

	if err = os.Rename(tmpName, path); err != nil {
		log.Errorf("error renaming %s to %s: %v", tmpName, path, err)

		return err
	}

	log.Debugf("Successfully wrote payload of size %d to file %s", len(data), path)

	return nil
}
