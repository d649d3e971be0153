// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwindinfo // import "go.opentelemetry.io/cpuprof/unwindinfo"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

// Opener opens the on-disk image of a module.
type Opener func(path string) (io.ReaderAt, io.Closer, error)

// OpenFile is the default Opener.
func OpenFile(path string) (io.ReaderAt, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

// ErrUnavailable is returned for images whose function table failed to load
// recently.
var ErrUnavailable = errors.New("function table unavailable")

// ImageCache keeps parsed function tables of recently used images. The same
// image mapped into many processes is parsed once. Images without a table are
// remembered as well, so they are not reopened on every walk.
type ImageCache struct {
	images *lru.SyncedLRU[string, *Image]
	open   Opener
}

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// NewImageCache returns a cache holding up to size images. Entries expire
// after lifetime, if it is non-zero.
func NewImageCache(size uint32, lifetime time.Duration, open Opener) (*ImageCache, error) {
	images, err := lru.NewSynced[string, *Image](size, hashString)
	if err != nil {
		return nil, err
	}
	if lifetime > 0 {
		images.SetLifetime(lifetime)
	}
	if open == nil {
		open = OpenFile
	}
	return &ImageCache{images: images, open: open}, nil
}

// Load returns the function table of the image at path.
func (c *ImageCache) Load(path string) (*Image, error) {
	if img, ok := c.images.Get(path); ok {
		if img == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrUnavailable)
		}
		return img, nil
	}

	img, err := c.load(path)
	if err != nil {
		c.images.Add(path, nil)
		return nil, err
	}
	log.Debugf("Loaded %d function table entries from %s", img.Len(), path)

	c.images.Add(path, img)
	return img, nil
}

func (c *ImageCache) load(path string) (*Image, error) {
	r, closer, err := c.open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer closer.Close()

	img, err := LoadPE(r)
	if err != nil {
		return nil, fmt.Errorf("failed to load function table of %s: %w", path, err)
	}
	return img, nil
}

// Len returns the number of cached images.
func (c *ImageCache) Len() int {
	return c.images.Len()
}
