package sfs

import (
	"bytes"
	"context"
	"os"
	"path"
	"sync"

	"github.com/absfs/sfs/feistel"
	"github.com/absfs/sfs/hexcodec"
	"github.com/absfs/sfs/mrsa"
	"github.com/sirupsen/logrus"
)

// Handle applies the key of one open encrypted file.
type Handle interface {
	// EncryptBlocks encrypts every whole block of buf in place.
	EncryptBlocks(buf []byte) error
	// DecryptBlocks decrypts every whole block of buf in place.
	DecryptBlocks(buf []byte) error
	// Size returns the tracked plaintext size, or -1 when none is recorded.
	Size() (int64, error)
	// SetSize records the plaintext size.
	SetSize(size int64) error
	Close() error
}

// Backend resolves file keys for FS. A *Session is a local backend; a
// daemon client is a remote one.
type Backend interface {
	// Identity returns the uid and gid the backend acts for.
	Identity() (uid, gid int)
	// Open returns a handle for an encrypted file, or ErrNotEncrypted.
	Open(dir, name string) (Handle, error)
	// Encrypted reports whether dir/name carries a key record.
	Encrypted(dir, name string) (bool, error)
	// Chmod moves a file between the plain and encrypted states.
	Chmod(ctx context.Context, req *ChmodRequest) error
	// Forget drops the records of a removed file. Only the owner or root
	// may drop the records of an encrypted file.
	Forget(dir, name string) error
	// Move carries the records of a renamed file, under the same rule.
	Move(oldDir, oldName, newDir, newName string) error
}

// Session holds the private keys of one logged in user: its own, and the
// group and world keys escrowed to it. A nil group or world key means the
// user holds no copy of it.
type Session struct {
	UID int
	GID int

	user     *mrsa.KeyPair
	group    *mrsa.KeyPair
	all      *mrsa.KeyPair
	accounts *Accounts
	log      logrus.FieldLogger
}

var _ Backend = (*Session)(nil)

// Identity returns the uid and gid of the session.
func (s *Session) Identity() (int, int) {
	return s.UID, s.GID
}

func (s *Session) store() *Store {
	return s.accounts.store
}

// tierKey returns the private key and record id the session uses for tier.
func (s *Session) tierKey(tier Tier) (*mrsa.KeyPair, int) {
	switch tier {
	case TierUser:
		return s.user, s.UID
	case TierGroup:
		return s.group, s.GID
	default:
		return s.all, 0
	}
}

// FileKey resolves the key of dir/name through the user, group and world
// records in that order. It returns ErrNotEncrypted for a plain file and
// ErrNoFileKey when no record the session can open exists.
func (s *Session) FileKey(dir, name string) (string, Tier, error) {
	for _, tier := range Tiers {
		priv, id := s.tierKey(tier)
		if priv == nil {
			continue
		}
		sealed, err := s.store().FileKey(tier, dir, name, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return "", tier, err
		}
		key, err := openFileKey(priv, sealed)
		if err != nil {
			s.log.WithFields(logrus.Fields{"dir": dir, "name": name, "tier": tier}).Warn("unreadable file key record")
			continue
		}
		return key, tier, nil
	}
	encrypted, err := s.store().Encrypted(dir, name)
	if err != nil {
		return "", 0, err
	}
	if encrypted {
		return "", 0, NewAuthenticationError(path.Join(dir, name), ErrNoFileKey)
	}
	return "", 0, ErrNotEncrypted
}

func sealFileKey(pub *mrsa.KeyPair, key string) string {
	return hexcodec.Encode(mrsa.StreamEncrypt(pub.PublicKey(), []byte(key)))
}

func openFileKey(priv *mrsa.KeyPair, sealed string) (string, error) {
	ct, err := hexcodec.Decode(sealed)
	if err != nil {
		return "", err
	}
	pt, err := priv.StreamDecrypt(ct)
	if err != nil {
		return "", err
	}
	key := bytes.TrimRight(pt, "\x00")
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return string(key), nil
}

// State reports whether dir/name is plain or encrypted.
func (s *Session) State(dir, name string) (FileState, error) {
	ok, err := s.store().Encrypted(dir, name)
	if err != nil || !ok {
		return StatePlain, err
	}
	return StateEncrypted, nil
}

// Encrypted reports whether dir/name carries a key record.
func (s *Session) Encrypted(dir, name string) (bool, error) {
	return s.store().Encrypted(dir, name)
}

// Open resolves the key of dir/name and returns a handle for it.
func (s *Session) Open(dir, name string) (Handle, error) {
	return s.OpenFile(dir, name)
}

// OpenFile is Open with the concrete handle type.
func (s *Session) OpenFile(dir, name string) (*FileHandle, error) {
	key, tier, err := s.FileKey(dir, name)
	if err != nil {
		return nil, err
	}
	h := &FileHandle{
		Dir:      dir,
		Name:     name,
		Tier:     tier,
		session:  s,
		schedule: NewSymSchedule([]byte(key)),
	}
	s.log.WithFields(logrus.Fields{"dir": dir, "name": name, "tier": tier}).Debug("file opened")
	return h, nil
}

// Forget drops the key and size records of dir/name. The records of an
// encrypted file may only be dropped by its owner or root.
func (s *Session) Forget(dir, name string) error {
	st := s.store()
	encrypted, err := st.Encrypted(dir, name)
	if err != nil {
		return err
	}
	if encrypted {
		if err := s.checkOwner(dir, name); err != nil {
			return err
		}
		if _, err := st.DeleteFileKeys(dir, name); err != nil {
			return err
		}
	}
	if err := st.DeleteFileSize(dir, name); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// Move carries the key and size records of a renamed file. Sealed keys do
// not depend on the name, so they move verbatim. The moved records and any
// they replace must belong to the session's user, unless it is root.
func (s *Session) Move(oldDir, oldName, newDir, newName string) error {
	st := s.store()
	for _, p := range [][2]string{{oldDir, oldName}, {newDir, newName}} {
		encrypted, err := st.Encrypted(p[0], p[1])
		if err != nil {
			return err
		}
		if !encrypted {
			continue
		}
		if err := s.checkOwner(p[0], p[1]); err != nil {
			return err
		}
	}
	return st.MoveFileKeys(oldDir, oldName, newDir, newName)
}

// SetSize records the plaintext size of dir/name.
func (s *Session) SetSize(dir, name string, size int64) error {
	return s.store().PutFileSize(dir, name, size)
}

// Size returns the tracked plaintext size of dir/name.
func (s *Session) Size(dir, name string) (int64, error) {
	return s.store().FileSize(dir, name)
}

// Close drops the private keys of the session.
func (s *Session) Close() {
	s.user, s.group, s.all = nil, nil, nil
	s.log.Info("session closed")
}

// FileHandle is an open encrypted file of a Session.
type FileHandle struct {
	Dir  string
	Name string
	Tier Tier // tier the key was resolved through

	session  *Session
	schedule *feistel.Schedule
}

// EncryptBlock encrypts one block in place.
func (h *FileHandle) EncryptBlock(block []byte) error {
	if h.schedule == nil {
		return os.ErrClosed
	}
	if err := ValidateBlock(block); err != nil {
		return err
	}
	feistel.ECB(h.schedule, block, true)
	return nil
}

// DecryptBlock decrypts one block in place.
func (h *FileHandle) DecryptBlock(block []byte) error {
	if h.schedule == nil {
		return os.ErrClosed
	}
	if err := ValidateBlock(block); err != nil {
		return err
	}
	feistel.ECB(h.schedule, block, false)
	return nil
}

// EncryptBlocks encrypts every whole block of buf in place.
func (h *FileHandle) EncryptBlocks(buf []byte) error {
	if h.schedule == nil {
		return os.ErrClosed
	}
	return transformBlocks(h.session.accounts.config.Parallel, h.schedule, buf, true)
}

// DecryptBlocks decrypts every whole block of buf in place.
func (h *FileHandle) DecryptBlocks(buf []byte) error {
	if h.schedule == nil {
		return os.ErrClosed
	}
	return transformBlocks(h.session.accounts.config.Parallel, h.schedule, buf, false)
}

// Size returns the tracked plaintext size, or -1 when none is recorded.
func (h *FileHandle) Size() (int64, error) {
	size, err := h.session.Size(h.Dir, h.Name)
	if IsNotFound(err) {
		return -1, nil
	}
	return size, err
}

// SetSize records the plaintext size.
func (h *FileHandle) SetSize(size int64) error {
	return h.session.SetSize(h.Dir, h.Name, size)
}

// Close releases the handle.
func (h *FileHandle) Close() error {
	h.schedule = nil
	return nil
}

// pathLocks serialises whole-file transitions per path.
type pathLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newPathLocks() *pathLocks {
	return &pathLocks{held: make(map[string]chan struct{})}
}

// lock blocks until p is free or ctx is done.
func (l *pathLocks) lock(ctx context.Context, p string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[p]
		if !busy {
			ch = make(chan struct{})
			l.held[p] = ch
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, p)
				l.mu.Unlock()
				close(ch)
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
