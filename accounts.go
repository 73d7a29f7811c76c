package sfs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/absfs/absfs"
	"github.com/absfs/sfs/mrsa"
	"github.com/sirupsen/logrus"
)

// RootUID is the administrator. Every group and world private key is
// escrowed to root so that new members can be given a copy.
const RootUID = 0

// Accounts manages user keys in the key directory and opens sessions.
type Accounts struct {
	fs     absfs.FileSystem
	store  *Store
	config *Config
	log    logrus.FieldLogger
	locks  *pathLocks
}

// NewAccounts creates an account manager over fs.
func NewAccounts(fs absfs.FileSystem, config *Config) (*Accounts, error) {
	if fs == nil {
		return nil, errors.New("base filesystem cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := config.logger()
	return &Accounts{
		fs:     fs,
		store:  NewStore(fs, config.KeyDir, log),
		config: config,
		log:    log,
		locks:  newPathLocks(),
	}, nil
}

// Store returns the record store.
func (a *Accounts) Store() *Store {
	return a.store
}

// Config returns the configuration.
func (a *Accounts) Config() *Config {
	return a.config
}

func (a *Accounts) provider(password string) (KeyProvider, error) {
	return NewKeyProvider(a.config.KDF, []byte(password))
}

// AddUser creates the key pair of uid, publishes it and seals the private
// half with password. The group and world key pairs are created on first
// use and escrowed to the new user and to root; later members receive a
// copy opened with root's key, which needs rootPassword. For uid 0 the
// password is root's own.
func (a *Accounts) AddUser(uid, gid int, password, rootPassword string) (err error) {
	if uid < 0 || gid < 0 {
		return NewValidationError("uid", uid, "ids cannot be negative")
	}
	if uid == RootUID {
		rootPassword = password
	}
	if _, err := a.store.PublicKey(TierUser, uid); err == nil {
		return ErrUserExists
	} else if !IsNotFound(err) {
		return err
	}

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	gen := a.config.generator()
	user, err := gen.Generate()
	if err != nil {
		return NewEncryptionError("keygen", "", err)
	}
	kp, err := a.provider(password)
	if err != nil {
		return err
	}
	sealed, err := SealPrivateKey(kp, user)
	if err != nil {
		return err
	}
	if err := a.store.PutPublicKey(TierUser, uid, user); err != nil {
		return err
	}
	undo = append(undo, func() { a.store.DeletePublicKey(TierUser, uid) })
	if err := a.store.PutSealedKey(TierUser, uid, 0, sealed, false); err != nil {
		return err
	}
	undo = append(undo, func() { a.store.DeleteSealedKeys(uid) })

	root := user
	if uid != RootUID {
		if root, err = a.Unseal(RootUID, rootPassword); err != nil {
			return fmt.Errorf("cannot open root key: %w", err)
		}
	}

	for _, tier := range []Tier{TierGroup, TierAll} {
		id := gid
		if tier == TierAll {
			id = 0
		}
		if err := a.shareTierKey(tier, id, uid, user, root); err != nil {
			return err
		}
	}

	a.log.WithFields(logrus.Fields{"uid": uid, "gid": gid, "bits": user.Bits}).Info("user added")
	return nil
}

// shareTierKey gives uid a copy of the group or world private key, creating
// the key pair when it does not exist yet.
func (a *Accounts) shareTierKey(tier Tier, id, uid int, user, root *mrsa.KeyPair) (err error) {
	var priv *mrsa.KeyPair
	created := false
	defer func() {
		if err != nil && created {
			a.store.DeletePublicKey(tier, id)
			a.store.DeleteSealedKey(tier, id, RootUID)
		}
	}()

	pub, err := a.store.PublicKey(tier, id)
	switch {
	case err == nil:
		sealed, err := a.store.SealedKey(tier, id, RootUID)
		if err != nil {
			return err
		}
		if priv, err = unescrow(root, sealed); err != nil {
			return err
		}
		if !samePublic(priv, pub) {
			return NewCorruptionError(a.store.KeyDir(), fmt.Errorf("%s key escrowed to root does not match", tier))
		}
	case IsNotFound(err):
		if priv, err = a.config.generator().Generate(); err != nil {
			return NewEncryptionError("keygen", "", err)
		}
		if err := a.store.PutPublicKey(tier, id, priv); err != nil {
			return err
		}
		created = true
		if uid != RootUID {
			sealed, err := escrow(root, priv)
			if err != nil {
				return err
			}
			if err := a.store.PutSealedKey(tier, id, RootUID, sealed, false); err != nil {
				return err
			}
		}
	default:
		return err
	}

	sealed, err := escrow(user, priv)
	if err != nil {
		return err
	}
	return a.store.PutSealedKey(tier, id, uid, sealed, true)
}

// RemoveUser deletes the keys of uid and its copies of group and world
// keys. Root can only be removed last.
func (a *Accounts) RemoveUser(uid int) error {
	if uid == RootUID {
		uids, err := a.store.Users()
		if err != nil {
			return err
		}
		if len(uids) > 1 {
			return NewValidationError("uid", uid, "root holds the escrowed keys of other users")
		}
	}
	if err := a.store.DeletePublicKey(TierUser, uid); err != nil {
		return err
	}
	if err := a.store.DeleteSealedKeys(uid); err != nil {
		return err
	}
	a.log.WithField("uid", uid).Info("user removed")
	return nil
}

// Unseal opens the private key of uid with password and checks it against
// the published key.
func (a *Accounts) Unseal(uid int, password string) (*mrsa.KeyPair, error) {
	pub, err := a.store.PublicKey(TierUser, uid)
	if err != nil {
		return nil, err
	}
	sealed, err := a.store.SealedKey(TierUser, uid, 0)
	if err != nil {
		return nil, err
	}
	var kp KeyProvider
	if strings.Contains(sealed, saltSep) {
		if kp, err = a.provider(password); err != nil {
			return nil, err
		}
	} else {
		// unsalted records predate the configured KDF
		kp = NewLegacyKeyProvider([]byte(password))
	}
	k, err := UnsealPrivateKey(kp, sealed)
	if err != nil {
		if IsCorruptionError(err) {
			return nil, err
		}
		return nil, NewAuthenticationError("", ErrBadPassword)
	}
	if !samePublic(k, pub) {
		return nil, NewAuthenticationError("", ErrBadPassword)
	}
	return k, nil
}

// ChangePassword re-seals the private key of uid under newPassword.
func (a *Accounts) ChangePassword(uid int, oldPassword, newPassword string) error {
	k, err := a.Unseal(uid, oldPassword)
	if err != nil {
		return err
	}
	kp, err := a.provider(newPassword)
	if err != nil {
		return err
	}
	sealed, err := SealPrivateKey(kp, k)
	if err != nil {
		return err
	}
	if err := a.store.PutSealedKey(TierUser, uid, 0, sealed, true); err != nil {
		return err
	}
	a.log.WithField("uid", uid).Info("password changed")
	return nil
}

// Login unseals the key of uid and opens a session for it.
func (a *Accounts) Login(uid, gid int, password string) (*Session, error) {
	k, err := a.Unseal(uid, password)
	if err != nil {
		return nil, err
	}
	return a.OpenSession(uid, gid, k)
}

// OpenSession opens a session from an already unsealed user key, as the
// daemon does when a client logs in. The group and world keys are opened
// from their escrow records.
func (a *Accounts) OpenSession(uid, gid int, user *mrsa.KeyPair) (*Session, error) {
	if user == nil || !user.IsPrivate() {
		return nil, NewAuthenticationError("", mrsa.ErrNotPrivate)
	}
	pub, err := a.store.PublicKey(TierUser, uid)
	if err != nil {
		return nil, err
	}
	if !samePublic(user, pub) {
		return nil, NewAuthenticationError("", errors.New("key does not match the published key"))
	}

	s := &Session{
		UID:      uid,
		GID:      gid,
		user:     user,
		accounts: a,
		log:      a.log.WithFields(logrus.Fields{"uid": uid, "gid": gid}),
	}
	if s.group, err = a.openEscrow(TierGroup, gid, uid, user); err != nil {
		return nil, err
	}
	if s.all, err = a.openEscrow(TierAll, 0, uid, user); err != nil {
		return nil, err
	}
	s.log.Info("session opened")
	return s, nil
}

func (a *Accounts) openEscrow(tier Tier, id, uid int, user *mrsa.KeyPair) (*mrsa.KeyPair, error) {
	sealed, err := a.store.SealedKey(tier, id, uid)
	if IsNotFound(err) {
		// not a member: the tier is simply unavailable
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unescrow(user, sealed)
}

func samePublic(a, b *mrsa.KeyPair) bool {
	return a.N == b.N && a.E == b.E
}
