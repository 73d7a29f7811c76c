package sfs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) request(name string, encrypt bool) *ChmodRequest {
	return &ChmodRequest{
		Dir:     "/docs",
		Name:    name,
		UID:     f.uid,
		GID:     f.gid,
		Encrypt: encrypt,
		Rights:  0640,
	}
}

func TestChmodRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("the quick brown fox jumps over the lazy dog")
	f.writeBase(t, "/docs/fox.txt", data)

	require.NoError(t, f.session.Chmod(ctx, f.request("fox.txt", true)))

	store := f.accounts.Store()
	for _, tier := range Tiers {
		id := map[Tier]int{TierUser: f.uid, TierGroup: f.gid, TierAll: 0}[tier]
		sealed, err := store.FileKey(tier, "/docs", "fox.txt", id)
		require.NoError(t, err, "tier %s", tier)
		assert.NotEmpty(t, sealed)
	}
	size, err := store.FileSize("/docs", "fox.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	raw := f.readBase(t, "/docs/fox.txt")
	assert.Len(t, raw, int(alignUp(int64(len(data)))))
	assert.NotContains(t, string(raw), "brown fox")

	state, err := f.session.State("/docs", "fox.txt")
	require.NoError(t, err)
	assert.Equal(t, StateEncrypted, state)

	require.NoError(t, f.session.Chmod(ctx, f.request("fox.txt", false)))
	assert.Equal(t, data, f.readBase(t, "/docs/fox.txt"))

	state, err = f.session.State("/docs", "fox.txt")
	require.NoError(t, err)
	assert.Equal(t, StatePlain, state)
	_, err = store.FileSize("/docs", "fox.txt")
	assert.True(t, IsNotFound(err))

	// empty tables are removed with their last row
	for _, name := range []string{UserDirFile, GroupDirFile, AllDirFile, SizesFile} {
		_, err := f.base.Stat("/docs/" + name)
		assert.True(t, os.IsNotExist(err), "%s should be gone", name)
	}
}

func TestChmodRestoresRights(t *testing.T) {
	f := newFixture(t)
	f.writeBase(t, "/docs/r.txt", []byte("rights"))

	req := f.request("r.txt", true)
	req.Rights = 0604
	require.NoError(t, f.session.Chmod(context.Background(), req))

	info, err := f.base.Stat("/docs/r.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0604), info.Mode().Perm())
}

func TestChmodEmptyFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/empty", nil)

	require.NoError(t, f.session.Chmod(ctx, f.request("empty", true)))
	assert.Empty(t, f.readBase(t, "/docs/empty"))
	size, err := f.accounts.Store().FileSize("/docs", "empty")
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, f.session.Chmod(ctx, f.request("empty", false)))
	assert.Empty(t, f.readBase(t, "/docs/empty"))
}

func TestChmodLargeFileUsesWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789abcdef-"), 200_000) // spans several copy chunks
	f.writeBase(t, "/docs/big.bin", data)

	require.NoError(t, f.session.Chmod(ctx, f.request("big.bin", true)))
	assert.Len(t, f.readBase(t, "/docs/big.bin"), int(alignUp(int64(len(data)))))

	require.NoError(t, f.session.Chmod(ctx, f.request("big.bin", false)))
	assert.True(t, bytes.Equal(data, f.readBase(t, "/docs/big.bin")))
}

func TestChmodErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/x.txt", []byte("x"))

	t.Run("already encrypted", func(t *testing.T) {
		require.NoError(t, f.session.Chmod(ctx, f.request("x.txt", true)))
		err := f.session.Chmod(ctx, f.request("x.txt", true))
		assert.ErrorIs(t, err, ErrAlreadyEncrypted)
		require.NoError(t, f.session.Chmod(ctx, f.request("x.txt", false)))
	})

	t.Run("not encrypted", func(t *testing.T) {
		err := f.session.Chmod(ctx, f.request("x.txt", false))
		assert.ErrorIs(t, err, ErrNotEncrypted)
	})

	t.Run("directory", func(t *testing.T) {
		require.NoError(t, f.base.MkdirAll("/docs/sub", 0755))
		err := f.session.Chmod(ctx, f.request("sub", true))
		assert.True(t, IsValidationError(err))
	})

	t.Run("missing file", func(t *testing.T) {
		err := f.session.Chmod(ctx, f.request("missing.txt", true))
		assert.True(t, IsIOError(err))
		ok, _ := f.accounts.Store().Encrypted("/docs", "missing.txt")
		assert.False(t, ok, "no records may be left behind")
	})

	t.Run("bad name", func(t *testing.T) {
		err := f.session.Chmod(ctx, f.request("a:b", true))
		assert.True(t, IsValidationError(err))
	})

	t.Run("cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := f.session.Chmod(cancelled, f.request("x.txt", true))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []byte("x"), f.readBase(t, "/docs/x.txt"), "original must be untouched")
		ok, _ := f.accounts.Store().Encrypted("/docs", "x.txt")
		assert.False(t, ok, "records must be rolled back")
	})
}

func TestChmodRequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/o.txt", []byte("owned by the fixture user"))

	other := f.uid + 1
	require.NoError(t, f.accounts.AddUser(other, f.gid, "other-password", testRootPassword))
	s, err := f.accounts.Login(other, f.gid, "other-password")
	require.NoError(t, err)

	err = s.Chmod(ctx, f.request("o.txt", true))
	assert.True(t, IsAuthenticationError(err))
	assert.ErrorIs(t, err, ErrNotOwner)
	ok, _ := f.accounts.Store().Encrypted("/docs", "o.txt")
	assert.False(t, ok)
}

func TestChmodTakesOwnerFromFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/own.txt", []byte("owner comes from the file"))
	info, err := f.base.Stat("/docs/own.txt")
	require.NoError(t, err)
	owner, _, ok := fileOwner(info)
	if !ok {
		t.Skip("owner not reported by the base filesystem")
	}

	// a request naming somebody else still seals the user record for the owner
	req := f.request("own.txt", true)
	req.UID = owner + 1
	require.NoError(t, f.session.Chmod(ctx, req))

	store := f.accounts.Store()
	_, err = store.FileKey(TierUser, "/docs", "own.txt", owner)
	assert.NoError(t, err)
	_, err = store.FileKey(TierUser, "/docs", "own.txt", owner+1)
	assert.True(t, IsNotFound(err))
}

func TestForgetAndMoveRequireOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/mine.txt", []byte("only the owner may drop these"))
	require.NoError(t, f.session.Chmod(ctx, f.request("mine.txt", true)))

	other := f.uid + 1
	if f.uid == RootUID {
		other = 4242
	}
	require.NoError(t, f.accounts.AddUser(other, f.gid, "other-password", testRootPassword))
	s, err := f.accounts.Login(other, f.gid, "other-password")
	require.NoError(t, err)

	err = s.Forget("/docs", "mine.txt")
	assert.ErrorIs(t, err, ErrNotOwner)
	err = s.Move("/docs", "mine.txt", "/docs", "stolen.txt")
	assert.ErrorIs(t, err, ErrNotOwner)

	// records of the other user's own file may not replace the owner's
	f.writeBase(t, "/docs/theirs.txt", []byte("plain"))
	err = s.Move("/docs", "theirs.txt", "/docs", "mine.txt")
	assert.ErrorIs(t, err, ErrNotOwner)

	store := f.accounts.Store()
	_, err = store.FileKey(TierUser, "/docs", "mine.txt", f.uid)
	require.NoError(t, err)
	assert.Equal(t, []byte("only the owner may drop these"), readAll(t, f.fs, "/docs/mine.txt"))

	// once the file is gone the owner still holds the user record
	require.NoError(t, f.base.Rename("/docs/mine.txt", "/docs/kept.txt"))
	require.NoError(t, f.session.Move("/docs", "mine.txt", "/docs", "kept.txt"))
	require.NoError(t, f.base.Remove("/docs/kept.txt"))
	assert.ErrorIs(t, s.Forget("/docs", "kept.txt"), ErrNotOwner)
	require.NoError(t, f.session.Forget("/docs", "kept.txt"))
	ok, err := store.Encrypted("/docs", "kept.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChmodNoTempFilesLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/t.txt", []byte("temporary files go away"))
	require.NoError(t, f.session.Chmod(ctx, f.request("t.txt", true)))
	require.NoError(t, f.session.Chmod(ctx, f.request("t.txt", false)))

	d, err := f.base.Open("/docs")
	require.NoError(t, err)
	defer d.Close()
	names, err := d.Readdirnames(-1)
	require.NoError(t, err)
	for _, name := range names {
		assert.False(t, strings.HasPrefix(name, tempPrefix), "leftover %s", name)
	}
}

func TestDecryptWithoutSizeRecordKeepsPadding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/pad.txt", []byte("HELLOWORLD"))
	require.NoError(t, f.session.Chmod(ctx, f.request("pad.txt", true)))
	require.NoError(t, f.accounts.Store().DeleteFileSize("/docs", "pad.txt"))

	require.NoError(t, f.session.Chmod(ctx, f.request("pad.txt", false)))
	got := f.readBase(t, "/docs/pad.txt")
	require.Len(t, got, 16)
	assert.Equal(t, []byte("HELLOWORLD"), got[:10])
}

func TestGroupMemberReadsThroughGroupTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("shared with the group")
	f.writeBase(t, "/docs/g.txt", data)
	require.NoError(t, f.session.Chmod(ctx, f.request("g.txt", true)))

	// a second member of the same group
	other := f.uid + 1
	require.NoError(t, f.accounts.AddUser(other, f.gid, "other-password", testRootPassword))
	s, err := f.accounts.Login(other, f.gid, "other-password")
	require.NoError(t, err)

	key, tier, err := s.FileKey("/docs", "g.txt")
	require.NoError(t, err)
	assert.Equal(t, TierGroup, tier)

	own, _, err := f.session.FileKey("/docs", "g.txt")
	require.NoError(t, err)
	assert.Equal(t, own, key)

	// a user outside the group falls back to the world tier
	outsider := f.uid + 2
	require.NoError(t, f.accounts.AddUser(outsider, f.gid+1, "outsider-password", testRootPassword))
	s2, err := f.accounts.Login(outsider, f.gid+1, "outsider-password")
	require.NoError(t, err)
	_, tier, err = s2.FileKey("/docs", "g.txt")
	require.NoError(t, err)
	assert.Equal(t, TierAll, tier)
}

func TestFileKeyUnreadableRecordsAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/k.txt", []byte("key"))
	require.NoError(t, f.session.Chmod(ctx, f.request("k.txt", true)))

	store := f.accounts.Store()
	require.NoError(t, store.DeleteFileKey(TierUser, "/docs", "k.txt", f.uid))
	require.NoError(t, store.PutFileKey(TierUser, "/docs", "k.txt", f.uid, "zz"))

	_, tier, err := f.session.FileKey("/docs", "k.txt")
	require.NoError(t, err)
	assert.NotEqual(t, TierUser, tier)

	_, err = store.DeleteFileKeys("/docs", "k.txt")
	require.NoError(t, err)
	_, _, err = f.session.FileKey("/docs", "k.txt")
	assert.True(t, errors.Is(err, ErrNotEncrypted))
}

func TestFileKeyRecordWithBadKeyTextIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeBase(t, "/docs/bad.txt", []byte("contents"))
	require.NoError(t, f.session.Chmod(ctx, f.request("bad.txt", true)))

	store := f.accounts.Store()
	pub, err := store.PublicKey(TierUser, f.uid)
	require.NoError(t, err)
	require.NoError(t, store.DeleteFileKey(TierUser, "/docs", "bad.txt", f.uid))
	require.NoError(t, store.PutFileKey(TierUser, "/docs", "bad.txt", f.uid, sealFileKey(pub, "not a key")))

	priv, _ := f.session.tierKey(TierUser)
	sealed, err := store.FileKey(TierUser, "/docs", "bad.txt", f.uid)
	require.NoError(t, err)
	_, err = openFileKey(priv, sealed)
	assert.ErrorIs(t, err, ErrInvalidKey)

	key, tier, err := f.session.FileKey("/docs", "bad.txt")
	require.NoError(t, err)
	assert.NotEqual(t, TierUser, tier)
	assert.NoError(t, ValidateKey([]byte(key)))
	assert.Equal(t, []byte("contents"), readAll(t, f.fs, "/docs/bad.txt"))
}

func TestEncryptWithoutSizeRecordIsLogged(t *testing.T) {
	f := newFixture(t)
	logger, hook := test.NewNullLogger()
	f.config.Logger = logger
	accounts, err := NewAccounts(f.base, f.config)
	require.NoError(t, err)
	s, err := accounts.Login(f.uid, f.gid, f.password)
	require.NoError(t, err)

	data := []byte("sizes record cannot be written")
	f.writeBase(t, "/docs/nosize.txt", data)
	// a directory where the sizes record belongs makes every write fail
	require.NoError(t, f.base.MkdirAll("/docs/"+SizesFile, 0755))

	err = s.Chmod(context.Background(), f.request("nosize.txt", true))
	require.Error(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "/docs/nosize.txt", entry.Data["path"])
	assert.Equal(t, "encrypt", entry.Data["op"])
	assert.Equal(t, int64(len(data)), entry.Data["size"])
	assert.Equal(t, "/docs/"+SizesFile, entry.Data["record"])

	// the rename happened, so the key records stay and the content is ciphertext
	ok, err := accounts.Store().Encrypted("/docs", "nosize.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, data, f.readBase(t, "/docs/nosize.txt"))
}
