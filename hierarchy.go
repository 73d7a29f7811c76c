package sfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
	"github.com/absfs/sfs/feistel"
	"github.com/sirupsen/logrus"
)

// copyChunk is the amount of content moved per step of a transition. It is
// a multiple of BlockSize.
const copyChunk = 1 << 20

// ChmodRequest asks for a file to change state. UID and GID are the file
// owner's and select the user and group records; Rights and the owner are
// restored on the rewritten file.
type ChmodRequest struct {
	Dir     string
	Name    string
	UID     int
	GID     int
	Encrypt bool
	Rights  os.FileMode
	Size    int64
}

func (r *ChmodRequest) path() string {
	return path.Join(r.Dir, r.Name)
}

// Chmod moves dir/name between the plain and encrypted states. The new
// content is written to a temporary file in the same directory and renamed
// over the original, which stays untouched until then. Only the owner or
// root may change a file. When the base filesystem reports the owner, it
// replaces the UID and GID of req.
func (s *Session) Chmod(ctx context.Context, req *ChmodRequest) error {
	if err := ValidateRecordName(req.Name); err != nil {
		return err
	}

	unlock, err := s.accounts.locks.lock(ctx, req.path())
	if err != nil {
		return err
	}
	defer unlock()

	info, err := s.accounts.fs.Stat(req.path())
	if err != nil {
		return NewIOError("stat", req.path(), err)
	}
	if !info.Mode().IsRegular() {
		return NewValidationError("path", req.path(), ErrNotRegular.Error())
	}

	owned := *req
	if uid, gid, ok := fileOwner(info); ok {
		owned.UID, owned.GID = uid, gid
	}
	if s.UID != owned.UID && s.UID != RootUID {
		return NewAuthenticationError(req.path(), ErrNotOwner)
	}

	if req.Encrypt {
		return s.encryptFile(ctx, &owned)
	}
	return s.decryptFile(ctx, &owned)
}

// checkOwner fails with ErrNotOwner unless the session may drop or move the
// records of dir/name. Root always may. While the file exists only its
// owner may; once it is gone, the user its user tier record was sealed for.
func (s *Session) checkOwner(dir, name string) error {
	if s.UID == RootUID {
		return nil
	}
	p := path.Join(dir, name)
	if info, err := s.accounts.fs.Stat(p); err == nil {
		if uid, _, ok := fileOwner(info); ok {
			if uid != s.UID {
				return NewAuthenticationError(p, ErrNotOwner)
			}
			return nil
		}
	}
	_, err := s.store().FileKey(TierUser, dir, name, s.UID)
	if IsNotFound(err) {
		return NewAuthenticationError(p, ErrNotOwner)
	}
	return err
}

func (s *Session) encryptFile(ctx context.Context, req *ChmodRequest) (err error) {
	st := s.store()
	log := s.log.WithFields(logrus.Fields{"path": req.path(), "op": "encrypt"})

	encrypted, err := st.Encrypted(req.Dir, req.Name)
	if err != nil {
		return err
	}
	if encrypted {
		return ErrAlreadyEncrypted
	}

	key, err := GenerateSymKey(s.accounts.config.FileKeySize)
	if err != nil {
		return err
	}

	// rollback until the rename succeeds
	renamed := false
	defer func() {
		if err != nil && !renamed {
			if _, rbErr := st.DeleteFileKeys(req.Dir, req.Name); rbErr != nil {
				log.WithError(rbErr).Warn("cannot roll back key records")
			}
		}
	}()

	ids := map[Tier]int{TierUser: req.UID, TierGroup: req.GID, TierAll: 0}
	for _, tier := range Tiers {
		pub, err := st.PublicKey(tier, ids[tier])
		if err != nil {
			return err
		}
		if err := st.PutFileKey(tier, req.Dir, req.Name, ids[tier], sealFileKey(pub, key)); err != nil {
			return err
		}
	}

	sched := NewSymSchedule([]byte(key))
	size, err := s.rewrite(ctx, req, func(buf []byte, n int) ([]byte, error) {
		out := buf[:alignUp(int64(n))]
		clear(out[n:])
		return out, transformBlocks(s.accounts.config.Parallel, sched, out, true)
	}, -1)
	if err != nil {
		return err
	}
	renamed = true

	if err := st.PutFileSize(req.Dir, req.Name, size); err != nil {
		// the content is encrypted and readable, but reads keep the padding
		log.WithError(err).WithFields(logrus.Fields{
			"size":   size,
			"record": path.Join(req.Dir, SizesFile),
		}).Error("file encrypted without a size record")
		return err
	}
	log.WithField("size", size).Info("file encrypted")
	return nil
}

func (s *Session) decryptFile(ctx context.Context, req *ChmodRequest) error {
	st := s.store()
	log := s.log.WithFields(logrus.Fields{"path": req.path(), "op": "decrypt"})

	key, _, err := s.FileKey(req.Dir, req.Name)
	if err != nil {
		return err
	}

	size, err := st.FileSize(req.Dir, req.Name)
	if IsNotFound(err) {
		log.Warn("no size record, keeping block padding")
		size = -1
	} else if err != nil {
		return err
	}

	sched := NewSymSchedule([]byte(key))
	if _, err := s.rewrite(ctx, req, func(buf []byte, n int) ([]byte, error) {
		if n%BlockSize != 0 {
			return nil, NewCorruptionError(req.path(), errors.New("content is not a whole number of blocks"))
		}
		return buf[:n], transformBlocks(s.accounts.config.Parallel, sched, buf[:n], false)
	}, size); err != nil {
		return err
	}

	if _, err := st.DeleteFileKeys(req.Dir, req.Name); err != nil {
		// the content is plain, but the records still mark it encrypted
		log.WithError(err).WithFields(logrus.Fields{
			"records": []string{
				path.Join(req.Dir, UserDirFile),
				path.Join(req.Dir, GroupDirFile),
				path.Join(req.Dir, AllDirFile),
			},
			"uid": req.UID,
			"gid": req.GID,
		}).Error("file decrypted but its key records remain")
		return err
	}
	if err := st.DeleteFileSize(req.Dir, req.Name); err != nil && !IsNotFound(err) {
		log.WithError(err).WithField("record", path.Join(req.Dir, SizesFile)).Error("file decrypted but its size record remains")
		return err
	}
	log.Info("file decrypted")
	return nil
}

// rewrite streams the file through transform into a temporary file and
// renames it over the original. Output beyond limit is dropped unless limit
// is negative. It returns the number of input bytes.
func (s *Session) rewrite(ctx context.Context, req *ChmodRequest, transform func(buf []byte, n int) ([]byte, error), limit int64) (int64, error) {
	fs := s.accounts.fs
	src := req.path()
	tmp := path.Join(req.Dir, tempName())

	in, err := fs.Open(src)
	if err != nil {
		return 0, NewIOError("open", src, err)
	}
	defer in.Close()

	out, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, req.Rights.Perm())
	if err != nil {
		return 0, NewIOError("create", tmp, err)
	}
	abort := func(err error) (int64, error) {
		out.Close()
		fs.Remove(tmp)
		return 0, err
	}

	var total, written int64
	buf := make([]byte, copyChunk+feistel.BlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		n, rerr := io.ReadFull(in, buf[:copyChunk])
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return abort(NewIOError("read", src, rerr))
		}
		if n > 0 {
			total += int64(n)
			chunk, err := transform(buf, n)
			if err != nil {
				return abort(err)
			}
			if limit >= 0 && written+int64(len(chunk)) > limit {
				chunk = chunk[:max(0, limit-written)]
			}
			if _, err := out.Write(chunk); err != nil {
				return abort(NewIOError("write", tmp, err))
			}
			written += int64(len(chunk))
		}
		if rerr != nil {
			break
		}
	}

	if err := out.Close(); err != nil {
		fs.Remove(tmp)
		return 0, NewIOError("close", tmp, err)
	}
	in.Close()

	if err := replaceFile(fs, tmp, src); err != nil {
		fs.Remove(tmp)
		return 0, err
	}
	s.restoreOwner(fs, src, req)
	return total, nil
}

// restoreOwner puts back the rights and owner of a rewritten file. Failure
// is logged only.
func (s *Session) restoreOwner(fs absfs.FileSystem, name string, req *ChmodRequest) {
	log := s.log.WithField("path", name)
	if err := fs.Chmod(name, req.Rights.Perm()); err != nil {
		log.WithError(err).Warn("cannot restore file mode")
	}
	if err := fs.Chown(name, req.UID, req.GID); err != nil {
		log.WithError(err).Warn("cannot restore file owner")
	}
}
