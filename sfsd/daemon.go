// Package sfsd is the key daemon. It keeps the sessions of logged in users
// and the keys of open encrypted files in bounded registries, and answers
// requests from clients that do the file I/O themselves.
package sfsd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absfs/sfs"
	"github.com/absfs/sfs/feistel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownKind = errors.New("unknown request kind")
	ErrBadHandle   = errors.New("no such file handle")
	ErrUnsupported = errors.New("unsupported request")
	ErrBlockSize   = fmt.Errorf("block must be %d bytes", feistel.BlockSize)
)

type user struct {
	session *sfs.Session
	id      string
	since   time.Time
}

type file struct {
	uid    int
	handle *sfs.FileHandle
}

// Daemon answers requests against an account database. Requests are
// handled one at a time.
type Daemon struct {
	mu       sync.Mutex
	accounts *sfs.Accounts
	tokens   *TokenIssuer
	metrics  *Metrics
	log      logrus.FieldLogger

	users *Registry[*user]
	files *Registry[*file]
	byUID map[int]int
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithMetrics records request metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// WithTokenIssuer replaces the issuer built from the configuration.
func WithTokenIssuer(t *TokenIssuer) Option {
	return func(d *Daemon) {
		d.tokens = t
	}
}

// New creates a daemon over accounts, sized by the daemon section of the
// accounts' configuration.
func New(accounts *sfs.Accounts, opts ...Option) (*Daemon, error) {
	if accounts == nil {
		return nil, fmt.Errorf("accounts cannot be nil")
	}
	cfg := accounts.Config()

	d := &Daemon{
		accounts: accounts,
		log:      cfg.Logger,
		users:    NewRegistry[*user](cfg.Daemon.MaxUsers),
		files:    NewRegistry[*file](cfg.Daemon.MaxFiles),
		byUID:    make(map[int]int),
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	d.log = d.log.WithField("component", "sfsd")

	for _, opt := range opts {
		opt(d)
	}
	if d.tokens == nil {
		tokens, err := NewTokenIssuer(cfg.Daemon.TokenSecret, cfg.Daemon.TokenTTL)
		if err != nil {
			return nil, err
		}
		d.tokens = tokens
	}
	return d, nil
}

// Stats is a snapshot of the registries.
type Stats struct {
	Users int
	Files int
}

// Stats returns the number of logged in users and open files.
func (d *Daemon) Stats() Stats {
	return Stats{Users: d.users.Len(), Files: d.files.Len()}
}

// Handle answers one request.
func (d *Daemon) Handle(ctx context.Context, req *Request) *Reply {
	start := time.Now()

	d.mu.Lock()
	reply, err := d.dispatch(ctx, req)
	stats := d.Stats()
	d.mu.Unlock()

	if err != nil {
		reply = d.fail(req, err)
	}
	reply.Kind = KindReply
	reply.ReplyTo = req.ReplyTo

	d.metrics.RecordRequest(req.Kind, reply.Code, time.Since(start))
	d.metrics.SetOccupancy(stats.Users, stats.Files)
	return reply
}

func (d *Daemon) dispatch(ctx context.Context, req *Request) (*Reply, error) {
	switch req.Kind {
	case KindLogin:
		return d.login(req)
	case KindString:
		d.log.WithField("text", req.Text).Info("string request")
		return &Reply{}, nil
	case KindReply:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	claims, u, err := d.authorize(req)
	if err != nil {
		return nil, err
	}
	log := d.log.WithFields(logrus.Fields{"kind": req.Kind, "uid": claims.UID})

	switch req.Kind {
	case KindLogout:
		d.logout(claims.UID)
		log.Info("user logged out")
		return &Reply{}, nil

	case KindOpen:
		return d.open(u, req)

	case KindClose:
		f, err := d.file(claims.UID, req.Handle)
		if err != nil {
			return nil, err
		}
		f.handle.Close()
		d.files.Remove(req.Handle)
		return &Reply{}, nil

	case KindRead, KindWrite:
		return d.block(claims.UID, req)

	case KindGetSize:
		f, err := d.file(claims.UID, req.Handle)
		if err != nil {
			return nil, err
		}
		size, err := f.handle.Size()
		if err != nil {
			return nil, err
		}
		return &Reply{Handle: req.Handle, Size: size}, nil

	case KindSetSize:
		f, err := d.file(claims.UID, req.Handle)
		if err != nil {
			return nil, err
		}
		if err := f.handle.SetSize(req.Size); err != nil {
			return nil, err
		}
		return &Reply{Handle: req.Handle, Size: req.Size}, nil

	case KindIs:
		if req.Name != "" {
			encrypted, err := u.session.Encrypted(req.Dir, req.Name)
			if err != nil {
				return nil, err
			}
			return codeFor(encrypted), nil
		}
		_, err := d.file(claims.UID, req.Handle)
		return codeFor(err == nil), nil

	case KindChmod:
		// the session takes the owner from the file where the base reports it
		err := u.session.Chmod(ctx, &sfs.ChmodRequest{
			Dir:     req.Dir,
			Name:    req.Name,
			UID:     req.UID,
			GID:     req.GID,
			Encrypt: req.Encrypt,
			Rights:  os.FileMode(req.Rights),
			Size:    req.Size,
		})
		d.metrics.RecordTransition(req.Encrypt, err)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"dir": req.Dir, "name": req.Name, "encrypt": req.Encrypt}).Info("file state changed")
		return &Reply{}, nil

	case KindFchmod:
		return nil, ErrUnsupported

	case KindUnlink:
		if err := u.session.Forget(req.Dir, req.Name); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"dir": req.Dir, "name": req.Name}).Debug("records dropped")
		return &Reply{}, nil

	case KindRename:
		if err := u.session.Move(req.Dir, req.Name, req.NewDir, req.NewName); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"dir": req.Dir, "name": req.Name, "new_dir": req.NewDir, "new_name": req.NewName}).Debug("records moved")
		return &Reply{}, nil

	case KindChpass:
		if err := d.accounts.ChangePassword(claims.UID, req.Password, req.NewPassword); err != nil {
			return nil, err
		}
		log.Info("password changed")
		return &Reply{}, nil

	case KindDump:
		if claims.UID != sfs.RootUID {
			return nil, fmt.Errorf("%w: dump is reserved for root", os.ErrPermission)
		}
		return &Reply{Message: d.dump()}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
}

// authorize checks the request token against the live session of its user.
func (d *Daemon) authorize(req *Request) (*Claims, *user, error) {
	claims, err := d.tokens.Verify(req.Auth)
	if err != nil {
		return nil, nil, err
	}
	id, ok := d.byUID[claims.UID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnauthorized, sfs.ErrNoSession)
	}
	u, ok := d.users.Get(id)
	if !ok || u.id != claims.Session {
		return nil, nil, fmt.Errorf("%w: stale session", ErrUnauthorized)
	}
	return claims, u, nil
}

func (d *Daemon) login(req *Request) (*Reply, error) {
	log := d.log.WithFields(logrus.Fields{"uid": req.UID, "gid": req.GID})

	session, err := d.accounts.Login(req.UID, req.GID, req.Password)
	if sfs.IsNotFound(err) {
		err = fmt.Errorf("%w: unknown user %d", ErrUnauthorized, req.UID)
	}
	if err != nil {
		log.WithError(err).Warn("login failed")
		return nil, err
	}

	// a new login replaces the previous session of the user
	if _, ok := d.byUID[req.UID]; ok {
		d.logout(req.UID)
	}

	u := &user{session: session, id: uuid.NewString(), since: time.Now()}
	id, err := d.users.Add(u)
	if err != nil {
		session.Close()
		return nil, err
	}
	token, err := d.tokens.Issue(req.UID, req.GID, u.id)
	if err != nil {
		d.users.Remove(id)
		session.Close()
		return nil, err
	}
	d.byUID[req.UID] = id

	log.Info("user logged in")
	return &Reply{Token: token}, nil
}

// logout drops the session of uid and every file it has open.
func (d *Daemon) logout(uid int) {
	id, ok := d.byUID[uid]
	if !ok {
		return
	}
	var open []int
	d.files.Each(func(fid int, f *file) bool {
		if f.uid == uid {
			open = append(open, fid)
		}
		return true
	})
	for _, fid := range open {
		if f, ok := d.files.Remove(fid); ok {
			f.handle.Close()
		}
	}
	if u, ok := d.users.Remove(id); ok {
		u.session.Close()
	}
	delete(d.byUID, uid)
}

func (d *Daemon) open(u *user, req *Request) (*Reply, error) {
	h, err := u.session.OpenFile(req.Dir, req.Name)
	if errors.Is(err, sfs.ErrNotEncrypted) {
		return &Reply{Code: CodeOK}, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := d.files.Add(&file{uid: u.session.UID, handle: h})
	if err != nil {
		h.Close()
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"dir": req.Dir, "name": req.Name, "handle": id, "tier": h.Tier}).Debug("file opened")
	return &Reply{Code: CodeEncrypted, Handle: id}, nil
}

// file returns the open file id of uid.
func (d *Daemon) file(uid, id int) (*file, error) {
	f, ok := d.files.Get(id)
	if !ok || f.uid != uid {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, id)
	}
	return f, nil
}

func (d *Daemon) block(uid int, req *Request) (*Reply, error) {
	f, err := d.file(uid, req.Handle)
	if err != nil {
		return nil, err
	}
	if len(req.Block) != feistel.BlockSize {
		return nil, ErrBlockSize
	}
	block := make([]byte, feistel.BlockSize)
	copy(block, req.Block)

	encrypt := req.Kind == KindWrite
	if encrypt {
		err = f.handle.EncryptBlock(block)
	} else {
		err = f.handle.DecryptBlock(block)
	}
	if err != nil {
		return nil, err
	}
	d.metrics.RecordBlock(encrypt)
	return &Reply{Handle: req.Handle, Block: block}, nil
}

// dump describes the logged in users and their open files, one line each.
func (d *Daemon) dump() string {
	open := make(map[int]int)
	d.files.Each(func(_ int, f *file) bool {
		open[f.uid]++
		return true
	})

	var lines []string
	d.users.Each(func(_ int, u *user) bool {
		lines = append(lines, fmt.Sprintf("%d:%d:%d:%s", u.session.UID, u.session.GID, open[u.session.UID], u.since.UTC().Format(time.RFC3339)))
		return true
	})
	sort.Strings(lines)

	for _, line := range lines {
		d.log.WithField("user", line).Info("dump")
	}
	return strings.Join(lines, "\n")
}

// Close logs every user out.
func (d *Daemon) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for uid := range d.byUID {
		d.logout(uid)
	}
	d.metrics.SetOccupancy(0, 0)
}

func codeFor(encrypted bool) *Reply {
	if encrypted {
		return &Reply{Code: CodeEncrypted}
	}
	return &Reply{Code: CodeOK}
}

// fail turns err into a FAIL reply.
func (d *Daemon) fail(req *Request, err error) *Reply {
	reason := reasonFor(err)
	entry := d.log.WithFields(logrus.Fields{"kind": req.Kind, "reason": reason}).WithError(err)
	if reason == ReasonInternal {
		entry.Error("request failed")
	} else {
		entry.Debug("request refused")
	}
	return &Reply{Code: CodeFail, Reason: reason, Message: err.Error()}
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, sfs.ErrBadPassword):
		return ReasonBadPassword
	case errors.Is(err, sfs.ErrNotOwner):
		return ReasonNotOwner
	case errors.Is(err, sfs.ErrNoFileKey):
		return ReasonNoFileKey
	case errors.Is(err, sfs.ErrNotEncrypted):
		return ReasonNotEncrypted
	case errors.Is(err, sfs.ErrAlreadyEncrypted):
		return ReasonAlreadyEncrypted
	case errors.Is(err, ErrBadHandle), errors.Is(err, os.ErrClosed):
		return ReasonBadHandle
	case errors.Is(err, ErrRegistryFull):
		return ReasonLimit
	case errors.Is(err, ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, os.ErrPermission):
		return ReasonDenied
	case sfs.IsAuthenticationError(err):
		return ReasonUnauthorized
	case errors.Is(err, ErrUnknownKind), errors.Is(err, ErrBlockSize), sfs.IsValidationError(err):
		return ReasonInvalid
	default:
		return ReasonInternal
	}
}
