package sfsd

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/absfs/sfs"
	"github.com/absfs/sfs/feistel"
)

// RemoteError is a FAIL reply. Err is the matching local error value, when
// there is one, so errors.Is works across the wire.
type RemoteError struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sfsd %s failed (%s): %s", e.Kind, e.Reason, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

var reasonErrors = map[Reason]error{
	ReasonUnauthorized:     ErrUnauthorized,
	ReasonDenied:           os.ErrPermission,
	ReasonBadPassword:      sfs.ErrBadPassword,
	ReasonNotOwner:         sfs.ErrNotOwner,
	ReasonNoFileKey:        sfs.ErrNoFileKey,
	ReasonNotEncrypted:     sfs.ErrNotEncrypted,
	ReasonAlreadyEncrypted: sfs.ErrAlreadyEncrypted,
	ReasonBadHandle:        ErrBadHandle,
	ReasonLimit:            ErrRegistryFull,
	ReasonUnsupported:      ErrUnsupported,
}

// remoteError converts a FAIL reply. Refusals the local backend reports as
// authentication errors come back as the same type.
func remoteError(kind Kind, name string, reply *Reply) error {
	err := &RemoteError{
		Kind:    kind,
		Reason:  reply.Reason,
		Message: reply.Message,
		Err:     reasonErrors[reply.Reason],
	}
	switch reply.Reason {
	case ReasonUnauthorized, ReasonBadPassword, ReasonNotOwner, ReasonNoFileKey:
		return sfs.NewAuthenticationError(name, err)
	}
	return err
}

// Client is an sfs.Backend that resolves keys through a daemon. File keys
// never leave the daemon: blocks travel to it one at a time.
type Client struct {
	caller Caller
	uid    int
	gid    int
	token  string
}

var _ sfs.Backend = (*Client)(nil)

// Login authenticates uid with the daemon behind caller.
func Login(ctx context.Context, caller Caller, uid, gid int, password string) (*Client, error) {
	reply, err := caller.Call(ctx, &Request{Kind: KindLogin, UID: uid, GID: gid, Password: password})
	if err != nil {
		return nil, err
	}
	if reply.Code == CodeFail {
		return nil, remoteError(KindLogin, "", reply)
	}
	return &Client{caller: caller, uid: uid, gid: gid, token: reply.Token}, nil
}

func (c *Client) call(ctx context.Context, r *Request) (*Reply, error) {
	r.Auth = c.token
	if r.Kind != KindChmod {
		r.UID, r.GID = c.uid, c.gid
	}
	reply, err := c.caller.Call(ctx, r)
	if err != nil {
		return nil, err
	}
	if reply.Code == CodeFail {
		return nil, remoteError(r.Kind, path.Join(r.Dir, r.Name), reply)
	}
	return reply, nil
}

// Identity returns the uid and gid the client logged in with.
func (c *Client) Identity() (int, int) {
	return c.uid, c.gid
}

// Open registers dir/name with the daemon. A plain file yields
// sfs.ErrNotEncrypted.
func (c *Client) Open(dir, name string) (sfs.Handle, error) {
	reply, err := c.call(context.Background(), &Request{Kind: KindOpen, Dir: dir, Name: name})
	if err != nil {
		return nil, err
	}
	if reply.Code != CodeEncrypted {
		return nil, sfs.ErrNotEncrypted
	}
	return &remoteHandle{client: c, id: reply.Handle}, nil
}

// Encrypted reports whether dir/name carries a key record.
func (c *Client) Encrypted(dir, name string) (bool, error) {
	reply, err := c.call(context.Background(), &Request{Kind: KindIs, Dir: dir, Name: name})
	if err != nil {
		return false, err
	}
	return reply.Code == CodeEncrypted, nil
}

// Chmod asks the daemon to change the state of a file.
func (c *Client) Chmod(ctx context.Context, r *sfs.ChmodRequest) error {
	_, err := c.call(ctx, &Request{
		Kind:    KindChmod,
		UID:     r.UID,
		GID:     r.GID,
		Dir:     r.Dir,
		Name:    r.Name,
		Encrypt: r.Encrypt,
		Rights:  uint32(r.Rights.Perm()),
		Size:    r.Size,
	})
	return err
}

// Forget drops the records of a removed file.
func (c *Client) Forget(dir, name string) error {
	_, err := c.call(context.Background(), &Request{Kind: KindUnlink, Dir: dir, Name: name})
	return err
}

// Move carries the records of a renamed file.
func (c *Client) Move(oldDir, oldName, newDir, newName string) error {
	_, err := c.call(context.Background(), &Request{
		Kind:    KindRename,
		Dir:     oldDir,
		Name:    oldName,
		NewDir:  newDir,
		NewName: newName,
	})
	return err
}

// ChangePassword re-seals the user's key under a new password.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	_, err := c.call(ctx, &Request{Kind: KindChpass, Password: oldPassword, NewPassword: newPassword})
	return err
}

// Say logs text on the daemon.
func (c *Client) Say(ctx context.Context, text string) error {
	_, err := c.call(ctx, &Request{Kind: KindString, Text: text})
	return err
}

// Dump returns the daemon's session table. Only root may ask.
func (c *Client) Dump(ctx context.Context) ([]string, error) {
	reply, err := c.call(ctx, &Request{Kind: KindDump})
	if err != nil {
		return nil, err
	}
	if reply.Message == "" {
		return nil, nil
	}
	return strings.Split(reply.Message, "\n"), nil
}

// Logout ends the session. The client is unusable afterwards.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Kind: KindLogout})
	c.token = ""
	return err
}

// remoteHandle is an open file registered with the daemon.
type remoteHandle struct {
	client *Client
	id     int
	closed bool
}

func (h *remoteHandle) EncryptBlocks(buf []byte) error {
	return h.blocks(KindWrite, buf)
}

func (h *remoteHandle) DecryptBlocks(buf []byte) error {
	return h.blocks(KindRead, buf)
}

func (h *remoteHandle) blocks(kind Kind, buf []byte) error {
	if h.closed {
		return os.ErrClosed
	}
	ctx := context.Background()
	for off := 0; off+feistel.BlockSize <= len(buf); off += feistel.BlockSize {
		block := buf[off : off+feistel.BlockSize]
		reply, err := h.client.call(ctx, &Request{Kind: kind, Handle: h.id, Block: block})
		if err != nil {
			return err
		}
		if len(reply.Block) != feistel.BlockSize {
			return fmt.Errorf("%w: got %d bytes", ErrBlockSize, len(reply.Block))
		}
		copy(block, reply.Block)
	}
	return nil
}

func (h *remoteHandle) Size() (int64, error) {
	if h.closed {
		return 0, os.ErrClosed
	}
	reply, err := h.client.call(context.Background(), &Request{Kind: KindGetSize, Handle: h.id})
	if err != nil {
		return 0, err
	}
	return reply.Size, nil
}

func (h *remoteHandle) SetSize(size int64) error {
	if h.closed {
		return os.ErrClosed
	}
	_, err := h.client.call(context.Background(), &Request{Kind: KindSetSize, Handle: h.id, Size: size})
	return err
}

func (h *remoteHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	_, err := h.client.call(context.Background(), &Request{Kind: KindClose, Handle: h.id})
	return err
}
