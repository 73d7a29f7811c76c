package sfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/absfs/absfs"
	"github.com/absfs/sfs/mrsa"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Names of the per-directory record files.
const (
	UserDirFile  = ".sfsdir"
	GroupDirFile = ".sfsgdir"
	AllDirFile   = ".sfsadir"
	SizesFile    = ".sfssizes"
)

// Names of the files in the key directory.
const (
	PasswdFile  = "passwd"
	ShadowFile  = "shadow"
	GroupsFile  = "groups"
	GShadowFile = "gshadow"
	AllFile     = "all"
	AShadowFile = "ashadow"
)

const recordPerm = 0600

// IsRecordFile reports whether name is one of the per-directory record
// files or a temporary file of this package.
func IsRecordFile(name string) bool {
	switch name {
	case UserDirFile, GroupDirFile, AllDirFile, SizesFile:
		return true
	}
	return strings.HasPrefix(name, tempPrefix)
}

// table is a flat file of ':' separated rows. The last field is the value
// and the fields before it form the key. A table with one field has a single
// unkeyed row.
type table struct {
	fs     absfs.FileSystem
	path   string
	fields int
	log    logrus.FieldLogger
}

func (t *table) rows() ([][]string, error) {
	f, err := t.fs.Open(t.path)
	if err != nil {
		if notExist(t.fs, t.path, err) {
			return nil, nil
		}
		return nil, NewIOError("open", t.path, err)
	}
	defer f.Close()

	var rows [][]string
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		row := strings.SplitN(text, ":", t.fields)
		if len(row) != t.fields || row[t.fields-1] == "" {
			t.log.WithFields(logrus.Fields{
				"file": t.path,
				"line": line,
			}).Warn("skipping malformed record")
			continue
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, NewIOError("read", t.path, err)
	}
	return rows, nil
}

func matchKey(row, key []string) bool {
	for i, k := range key {
		if row[i] != k {
			return false
		}
	}
	return true
}

func (t *table) get(key []string) (string, error) {
	rows, err := t.rows()
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if matchKey(row, key) {
			return row[t.fields-1], nil
		}
	}
	return "", ErrRecordNotFound
}

// put appends a row. At most one row exists per key, so an update is a
// delete followed by a put.
func (t *table) put(key []string, value string) error {
	if strings.ContainsAny(value, ":\n") {
		return NewValidationError("value", value, "record value cannot contain ':' or newline")
	}
	rows, err := t.rows()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if matchKey(row, key) {
			return ErrRecordExists
		}
	}
	row := append(append([]string(nil), key...), value)
	return t.write(append(rows, row))
}

func (t *table) delete(key []string) error {
	n, err := t.deleteWhere(func(row []string) bool { return matchKey(row, key) })
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (t *table) deleteWhere(match func(row []string) bool) (int, error) {
	rows, err := t.rows()
	if err != nil {
		return 0, err
	}
	kept := rows[:0]
	for _, row := range rows {
		if !match(row) {
			kept = append(kept, row)
		}
	}
	removed := len(rows) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, t.write(kept)
}

// write replaces the table with rows through a temporary file. An empty
// table is removed.
func (t *table) write(rows [][]string) error {
	if len(rows) == 0 {
		if err := t.fs.Remove(t.path); err != nil && !notExist(t.fs, t.path, err) {
			return NewIOError("remove", t.path, err)
		}
		return nil
	}

	var buf bytes.Buffer
	for _, row := range rows {
		buf.WriteString(strings.Join(row, ":"))
		buf.WriteByte('\n')
	}

	tmp := path.Join(path.Dir(t.path), tempName())
	if err := writeFile(t.fs, tmp, buf.Bytes(), recordPerm); err != nil {
		return err
	}
	if err := replaceFile(t.fs, tmp, t.path); err != nil {
		t.fs.Remove(tmp)
		return err
	}
	return nil
}

const tempPrefix = "sfs_"

func tempName() string {
	return tempPrefix + uuid.NewString()
}

func writeFile(fs absfs.FileSystem, name string, data []byte, perm os.FileMode) error {
	f, err := fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return NewIOError("create", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(name)
		return NewIOError("write", name, err)
	}
	if err := f.Close(); err != nil {
		fs.Remove(name)
		return NewIOError("close", name, err)
	}
	return nil
}

// notExist reports whether err from opening name means it is absent.
func notExist(fs absfs.FileSystem, name string, err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	_, statErr := fs.Stat(name)
	return statErr != nil && os.IsNotExist(statErr)
}

// replaceFile renames src over dst. Backends that refuse to rename onto an
// existing file get dst removed first.
func replaceFile(fs absfs.FileSystem, src, dst string) error {
	err := fs.Rename(src, dst)
	if err == nil {
		return nil
	}
	if _, statErr := fs.Stat(dst); statErr != nil {
		return NewIOError("rename", src, err)
	}
	if rmErr := fs.Remove(dst); rmErr != nil {
		return NewIOError("rename", src, err)
	}
	if err := fs.Rename(src, dst); err != nil {
		return NewIOError("rename", src, err)
	}
	return nil
}

// Store keeps key records: per-directory file keys and sizes, and the public
// and sealed private keys of the key directory. All access is serialised.
type Store struct {
	fs     absfs.FileSystem
	keyDir string
	log    logrus.FieldLogger
	mu     sync.Mutex
}

// NewStore returns a Store over fs with the key directory at keyDir.
func NewStore(fs absfs.FileSystem, keyDir string, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{fs: fs, keyDir: keyDir, log: log}
}

// KeyDir returns the key directory path.
func (s *Store) KeyDir() string {
	return s.keyDir
}

func (s *Store) table(p string, fields int) *table {
	return &table{fs: s.fs, path: p, fields: fields, log: s.log}
}

func (s *Store) fileKeyTable(tier Tier, dir, name string, id int) (*table, []string) {
	switch tier {
	case TierUser:
		return s.table(path.Join(dir, UserDirFile), 3), []string{strconv.Itoa(id), name}
	case TierGroup:
		return s.table(path.Join(dir, GroupDirFile), 3), []string{strconv.Itoa(id), name}
	default:
		return s.table(path.Join(dir, AllDirFile), 2), []string{name}
	}
}

// FileKey returns the sealed file key that tier holds for dir/name.
func (s *Store) FileKey(tier Tier, dir, name string, id int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, key := s.fileKeyTable(tier, dir, name, id)
	v, err := t.get(key)
	if err != nil {
		return "", NewKeyError(tier, id, name, err)
	}
	return v, nil
}

// PutFileKey stores a sealed file key. It fails with ErrRecordExists when
// tier already holds one for the file.
func (s *Store) PutFileKey(tier Tier, dir, name string, id int, sealed string) error {
	if err := ValidateRecordName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, key := s.fileKeyTable(tier, dir, name, id)
	if err := t.put(key, sealed); err != nil {
		return NewKeyError(tier, id, name, err)
	}
	return nil
}

// DeleteFileKey removes one sealed file key.
func (s *Store) DeleteFileKey(tier Tier, dir, name string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, key := s.fileKeyTable(tier, dir, name, id)
	if err := t.delete(key); err != nil {
		return NewKeyError(tier, id, name, err)
	}
	return nil
}

// DeleteFileKeys removes every sealed key for dir/name in every tier and
// returns how many rows went.
func (s *Store) DeleteFileKeys(dir, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, tier := range Tiers {
		t, _ := s.fileKeyTable(tier, dir, name, 0)
		nameCol := t.fields - 2
		n, err := t.deleteWhere(func(row []string) bool { return row[nameCol] == name })
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// MoveFileKeys moves the key and size records of oldDir/oldName to
// newDir/newName, replacing any records the target had.
func (s *Store) MoveFileKeys(oldDir, oldName, newDir, newName string) error {
	if err := ValidateRecordName(newName); err != nil {
		return err
	}
	if oldDir == newDir && oldName == newName {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	move := func(src, dst *table) error {
		nameCol := src.fields - 2
		rows, err := src.rows()
		if err != nil {
			return err
		}
		var moved [][]string
		for _, row := range rows {
			if row[nameCol] == oldName {
				moved = append(moved, row)
			}
		}
		if _, err := dst.deleteWhere(func(row []string) bool { return row[nameCol] == newName }); err != nil {
			return err
		}
		for _, row := range moved {
			key := append([]string(nil), row[:src.fields-1]...)
			key[nameCol] = newName
			if err := dst.put(key, row[src.fields-1]); err != nil {
				return err
			}
		}
		_, err = src.deleteWhere(func(row []string) bool { return row[nameCol] == oldName })
		return err
	}

	for _, tier := range Tiers {
		src, _ := s.fileKeyTable(tier, oldDir, oldName, 0)
		dst, _ := s.fileKeyTable(tier, newDir, newName, 0)
		if err := move(src, dst); err != nil {
			return err
		}
	}
	return move(s.table(path.Join(oldDir, SizesFile), 2), s.table(path.Join(newDir, SizesFile), 2))
}

// Encrypted reports whether any tier holds a key for dir/name.
func (s *Store) Encrypted(dir, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tier := range Tiers {
		t, _ := s.fileKeyTable(tier, dir, name, 0)
		rows, err := t.rows()
		if err != nil {
			return false, err
		}
		nameCol := t.fields - 2
		for _, row := range rows {
			if row[nameCol] == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// EncryptedNames returns the sorted names in dir that carry a key record.
func (s *Store) EncryptedNames(dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, tier := range Tiers {
		t, _ := s.fileKeyTable(tier, dir, "", 0)
		rows, err := t.rows()
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			seen[row[t.fields-2]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// FileSize returns the tracked plaintext size of dir/name.
func (s *Store) FileSize(dir, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.table(path.Join(dir, SizesFile), 2).get([]string{name})
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(v, 10, 64)
	if err != nil || size < 0 {
		s.log.WithFields(logrus.Fields{"dir": dir, "name": name}).Warn("malformed size record")
		return 0, ErrRecordNotFound
	}
	return size, nil
}

// PutFileSize records the plaintext size of dir/name, replacing any
// previous record.
func (s *Store) PutFileSize(dir, name string, size int64) error {
	if err := ValidateRecordName(name); err != nil {
		return err
	}
	if err := ValidateFileSize(size); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(path.Join(dir, SizesFile), 2)
	if _, err := t.deleteWhere(func(row []string) bool { return row[0] == name }); err != nil {
		return err
	}
	return t.put([]string{name}, strconv.FormatInt(size, 10))
}

// DeleteFileSize removes the size record of dir/name.
func (s *Store) DeleteFileSize(dir, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table(path.Join(dir, SizesFile), 2).delete([]string{name})
}

func (s *Store) publicTable(tier Tier, id int) (*table, []string) {
	switch tier {
	case TierUser:
		return s.table(path.Join(s.keyDir, PasswdFile), 2), []string{strconv.Itoa(id)}
	case TierGroup:
		return s.table(path.Join(s.keyDir, GroupsFile), 2), []string{strconv.Itoa(id)}
	default:
		return s.table(path.Join(s.keyDir, AllFile), 1), nil
	}
}

// PublicKey returns the published key of a user, a group or the world.
func (s *Store) PublicKey(tier Tier, id int) (*mrsa.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, key := s.publicTable(tier, id)
	v, err := t.get(key)
	if err != nil {
		return nil, NewKeyError(tier, id, t.path, err)
	}
	k, err := mrsa.Parse(v)
	if err != nil {
		s.log.WithFields(logrus.Fields{"tier": tier, "id": id}).Warn("malformed public key record")
		return nil, NewKeyError(tier, id, t.path, fmt.Errorf("%w: %w", ErrRecordNotFound, err))
	}
	return k, nil
}

// PutPublicKey publishes the public half of k.
func (s *Store) PutPublicKey(tier Tier, id int, k *mrsa.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(s.keyDir, 0700); err != nil {
		return NewIOError("mkdir", s.keyDir, err)
	}
	t, key := s.publicTable(tier, id)
	if err := t.put(key, k.Public().Serialize()); err != nil {
		return NewKeyError(tier, id, t.path, err)
	}
	return nil
}

// DeletePublicKey removes a published key.
func (s *Store) DeletePublicKey(tier Tier, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, key := s.publicTable(tier, id)
	if err := t.delete(key); err != nil {
		return NewKeyError(tier, id, t.path, err)
	}
	return nil
}

// sealedTable locates the sealed private key of a tier. User keys are
// keyed by uid, group keys by gid and holder uid, and the world key by
// holder uid.
func (s *Store) sealedTable(tier Tier, id, holder int) (*table, []string) {
	switch tier {
	case TierUser:
		return s.table(path.Join(s.keyDir, ShadowFile), 2), []string{strconv.Itoa(id)}
	case TierGroup:
		return s.table(path.Join(s.keyDir, GShadowFile), 3), []string{strconv.Itoa(id), strconv.Itoa(holder)}
	default:
		return s.table(path.Join(s.keyDir, AShadowFile), 2), []string{strconv.Itoa(holder)}
	}
}

// SealedKey returns a sealed private key as stored.
func (s *Store) SealedKey(tier Tier, id, holder int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, key := s.sealedTable(tier, id, holder)
	v, err := t.get(key)
	if err != nil {
		return "", NewKeyError(tier, id, t.path, err)
	}
	return v, nil
}

// PutSealedKey stores a sealed private key, replacing an existing one when
// replace is set.
func (s *Store) PutSealedKey(tier Tier, id, holder int, sealed string, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(s.keyDir, 0700); err != nil {
		return NewIOError("mkdir", s.keyDir, err)
	}
	t, key := s.sealedTable(tier, id, holder)
	if replace {
		if _, err := t.deleteWhere(func(row []string) bool { return matchKey(row, key) }); err != nil {
			return err
		}
	}
	if err := t.put(key, sealed); err != nil {
		return NewKeyError(tier, id, t.path, err)
	}
	return nil
}

// DeleteSealedKey removes one sealed private key.
func (s *Store) DeleteSealedKey(tier Tier, id, holder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, key := s.sealedTable(tier, id, holder)
	if err := t.delete(key); err != nil {
		return NewKeyError(tier, id, t.path, err)
	}
	return nil
}

// DeleteSealedKeys removes the sealed keys a holder has in every tier.
func (s *Store) DeleteSealedKeys(uid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := strconv.Itoa(uid)
	for _, tier := range Tiers {
		t, _ := s.sealedTable(tier, 0, 0)
		holderCol := 0
		if tier == TierGroup {
			holderCol = 1
		}
		if _, err := t.deleteWhere(func(row []string) bool { return row[holderCol] == u }); err != nil {
			return err
		}
	}
	return nil
}

// Users returns the uids with a published key, in file order.
func (s *Store) Users() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _ := s.publicTable(TierUser, 0)
	rows, err := t.rows()
	if err != nil {
		return nil, err
	}
	uids := make([]int, 0, len(rows))
	for _, row := range rows {
		uid, err := strconv.Atoi(row[0])
		if err != nil {
			continue
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// IsNotFound reports whether err means a record is absent or unreadable.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
