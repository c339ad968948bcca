package lambda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/open-lambda/wdog/common"
)

var errNotFound404 = errors.New("module not found in blob store")

var moduleNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ModulePuller installs a tenant module package from a blob registry.
type ModulePuller struct {
	bucket   *blob.Bucket
	storeURL string
	mu       sync.Mutex
	version  map[string]time.Time // module name -> blob ModTime last installed
}

// NormalizeStoreURL treats a bare path as a local directory.
func NormalizeStoreURL(storeURL string) string {
	if !strings.HasPrefix(storeURL, "file://") &&
		!strings.HasPrefix(storeURL, "s3://") &&
		!strings.HasPrefix(storeURL, "gs://") &&
		!strings.HasPrefix(storeURL, "azblob://") {
		return "file://" + storeURL
	}
	return storeURL
}

func NewModulePuller(ctx context.Context, storeURL string) (*ModulePuller, error) {
	storeURL = NormalizeStoreURL(storeURL)

	if strings.HasPrefix(storeURL, "file://") {
		dir := strings.TrimPrefix(storeURL, "file://")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create local module store directory: %w", err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, storeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}

	return &ModulePuller{
		bucket:   bucket,
		storeURL: storeURL,
		version:  make(map[string]time.Time),
	}, nil
}

func ValidateModuleName(name string) error {
	if !moduleNameRe.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid module name %q", name)
	}
	return nil
}

// Pull makes sure targetDir holds the current package for name. It
// returns true when something new was extracted.
func (mp *ModulePuller) Pull(ctx context.Context, name, targetDir string) (bool, error) {
	t := common.T0("pull-module")
	defer t.T1()

	if err := ValidateModuleName(name); err != nil {
		return false, err
	}

	key := name + common.ModuleFileExtension

	mp.mu.Lock()
	defer mp.mu.Unlock()

	attrs, err := mp.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return false, fmt.Errorf("module %q not found in blob store (bucket=%q, key=%q)", name, mp.storeURL, key)
		}
		return false, err
	}

	if v, ok := mp.version[name]; ok && v.Equal(attrs.ModTime) {
		if _, err := os.Stat(targetDir); err == nil {
			return false, nil
		}
	}

	if err := mp.pullFromBlob(ctx, key, name, targetDir); err != nil {
		if err == errNotFound404 {
			return false, fmt.Errorf("module %q disappeared from blob store (key=%q)", name, key)
		}
		return false, err
	}

	mp.version[name] = attrs.ModTime
	return true, nil
}

func (mp *ModulePuller) pullFromBlob(ctx context.Context, key, name, targetDir string) error {
	reader, err := mp.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return errNotFound404
		}
		return err
	}
	defer reader.Close()

	tmpFile, err := os.CreateTemp("", name+"_blob")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmpFile, reader); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	// reject a bad descriptor before touching the installed module
	if _, err := common.ExtractConfigFromTarGz(tmpPath); err != nil {
		return fmt.Errorf("module %q: %w", name, err)
	}

	// extract next to the target and swap, so a half-written tree is never live
	staging := targetDir + ".new"
	os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return err
	}

	cmd := exec.Command("tar", "-xzf", tmpPath, "--directory", staging)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("tar extract failed: %v :: %s", err, output)
	}

	if err := os.RemoveAll(targetDir); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(targetDir), 0755); err != nil {
		return err
	}
	return os.Rename(staging, targetDir)
}

// Publish stores a module package under name, replacing any older one.
func (mp *ModulePuller) Publish(ctx context.Context, name string, pkg []byte) error {
	if err := ValidateModuleName(name); err != nil {
		return err
	}

	w, err := mp.bucket.NewWriter(ctx, name+common.ModuleFileExtension, &blob.WriterOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return err
	}
	if _, err := w.Write(pkg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (mp *ModulePuller) Close() error {
	return mp.bucket.Close()
}
