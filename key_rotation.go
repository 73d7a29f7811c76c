package sfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/sirupsen/logrus"
)

// KeyRotationOptions contains options for key rotation operations
type KeyRotationOptions struct {
	// DryRun reports what would be rotated without changing anything
	DryRun bool

	// ContinueOnError keeps walking after a file fails
	ContinueOnError bool
}

// ReEncrypt encrypts name again under a fresh file key. The file is
// decrypted and encrypted by the two regular transitions, so the new key is
// sealed to the same user, group and world keys as before.
//
// Between the two transitions the file is plain on the base filesystem. A
// failed encryption is retried once, ignoring cancellation of ctx; if that
// fails too the file is left plain with no key records, which is logged at
// error level and reported in the returned error.
func (e *FS) ReEncrypt(ctx context.Context, name string, opts KeyRotationOptions) error {
	encrypted, err := e.IsEncrypted(name)
	if err != nil {
		return err
	}
	if !encrypted {
		return fmt.Errorf("rekey %s: %w", name, ErrNotEncrypted)
	}

	log := e.log.WithField("path", name)
	if opts.DryRun {
		log.Info("would rekey file")
		return nil
	}

	if err := e.SetEncrypted(ctx, name, false); err != nil {
		return fmt.Errorf("rekey %s: %w", name, err)
	}
	if err := e.SetEncrypted(ctx, name, true); err != nil {
		log.WithError(err).Warn("cannot encrypt rekeyed file, retrying")
		if retryErr := e.SetEncrypted(context.WithoutCancel(ctx), name, true); retryErr != nil {
			log.WithError(retryErr).Error("rekey left the file plain")
			return fmt.Errorf("rekey %s: file left plain: %w", name, errors.Join(err, retryErr))
		}
	}
	log.Info("file rekeyed")
	return nil
}

// RotateAllKeys re-encrypts every encrypted file under root
func (e *FS) RotateAllKeys(ctx context.Context, root string, opts KeyRotationOptions) error {
	var filesRotated int
	var failures []error

	err := e.WalkEncrypted(root, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			failures = append(failures, err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.ReEncrypt(ctx, name, opts); err != nil {
			if !opts.ContinueOnError {
				return err
			}
			failures = append(failures, err)
			return nil
		}
		filesRotated++
		return nil
	})
	if err != nil {
		return fmt.Errorf("key rotation failed after %d files: %w", filesRotated, err)
	}

	if len(failures) > 0 {
		return fmt.Errorf("key rotation completed with %d errors (rotated %d files): %w",
			len(failures), filesRotated, errors.Join(failures...))
	}

	e.log.WithFields(logrus.Fields{"root": root, "files": filesRotated}).Info("keys rotated")
	return nil
}

// EncryptedFileWalker is called for each encrypted file found by
// WalkEncrypted. A non-nil err reports a directory that could not be read.
type EncryptedFileWalker func(name string, info os.FileInfo, err error) error

// WalkEncrypted calls walkFn for every file under root that carries a key
// record, in lexical order. Record files are never visited.
func (e *FS) WalkEncrypted(root string, walkFn EncryptedFileWalker) error {
	dir, _, err := e.split(root)
	if err != nil {
		return err
	}
	root = path.Join(dir, path.Base(root))

	info, err := e.base.Stat(root)
	if err != nil {
		return walkFn(root, nil, err)
	}
	return e.walk(root, info, walkFn)
}

func (e *FS) walk(name string, info os.FileInfo, walkFn EncryptedFileWalker) error {
	if !info.IsDir() {
		if IsRecordFile(info.Name()) {
			return nil
		}
		encrypted, err := e.backend.Encrypted(path.Dir(name), path.Base(name))
		if err != nil {
			return walkFn(name, info, err)
		}
		if !encrypted {
			return nil
		}
		return walkFn(name, info, nil)
	}

	entries, err := e.readDir(name)
	if err != nil {
		return walkFn(name, info, err)
	}
	for _, entry := range entries {
		if err := e.walk(path.Join(name, entry.Name()), entry, walkFn); err != nil {
			return err
		}
	}
	return nil
}

func (e *FS) readDir(name string) ([]os.FileInfo, error) {
	d, err := e.base.Open(name)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	entries, err := d.Readdir(-1)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// VerifyEncryption checks that the key of name resolves for this backend and
// that its content reads through.
func (e *FS) VerifyEncryption(name string) error {
	h, err := e.handle(name)
	if err != nil {
		return fmt.Errorf("failed to resolve key: %w", err)
	}
	if h == nil {
		return fmt.Errorf("failed to resolve key: %w", ErrNotEncrypted)
	}
	h.Close()

	file, err := e.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(io.Discard, file); err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}
	return nil
}

// VerifyAllEncryption returns the encrypted files under root whose key this
// backend cannot resolve or whose content cannot be read.
func (e *FS) VerifyAllEncryption(root string) ([]string, error) {
	var failed []string

	err := e.WalkEncrypted(root, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := e.VerifyEncryption(name); err != nil {
			e.log.WithField("path", name).WithError(err).Warn("verification failed")
			failed = append(failed, name)
		}
		return nil
	})
	if err != nil {
		return failed, fmt.Errorf("verification walk failed: %w", err)
	}

	if len(failed) > 0 {
		return failed, fmt.Errorf("%d files failed verification", len(failed))
	}
	return nil, nil
}
