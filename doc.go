// Package sfs is a transparent encrypting layer for the AbsFs filesystem
// abstraction. Regular files are either plain or encrypted; encrypted files
// hold 8-byte block ciphertext under a per-file symmetric key, and that key
// is stored once per tier, sealed to the public key of the owning user, the
// owning group and the world.
//
// # Overview
//
// FS implements absfs.FileSystem over a base filesystem. Plain files pass
// through untouched. For encrypted files every read and write is widened to
// whole cipher blocks (see AlignRegion), decrypted, modified and encrypted
// again, so the on-disk length is always the plaintext size rounded up to
// BlockSize. The plaintext size itself lives in a per-directory size record.
//
// FS delegates key work to a Backend: a *Session in the same process, or a
// client of the sfsd daemon that holds sessions for many users.
//
// # Records
//
// Each directory that contains encrypted files carries flat ':' separated
// record files:
//
//	.sfsdir    uid:name:key   file keys sealed to user keys
//	.sfsgdir   gid:name:key   file keys sealed to group keys
//	.sfsadir   name:key       file keys sealed to the world key
//	.sfssizes  name:size      plaintext sizes
//
// The key directory (Config.KeyDir, /etc/sfs by default) holds the public
// keys (passwd, groups, all) and the sealed private keys (shadow, gshadow,
// ashadow). Group and world private keys are escrowed to every member and
// to root, so that root can hand a copy to new members.
//
// # Basic Usage
//
//	config := sfs.DefaultConfig()
//	accounts, err := sfs.NewAccounts(base, config)
//	if err != nil {
//	    panic(err)
//	}
//	session, err := accounts.Login(uid, gid, password)
//	if err != nil {
//	    panic(err)
//	}
//	fs, err := sfs.New(base, session, config)
//	if err != nil {
//	    panic(err)
//	}
//
//	// encrypt an existing file in place
//	fs.Chmod("/home/alice/notes.txt", 0600|sfs.ModeEncrypted)
//
//	// read and write it like any other file
//	f, _ := fs.OpenFile("/home/alice/notes.txt", os.O_RDWR, 0)
//	f.WriteAt([]byte("hello"), 3)
//	f.Close()
//
// # Security Considerations
//
// The ciphers are historical: a 16-round Feistel network in ECB mode and an
// RSA-like scheme over 128-bit integers. There is no integrity protection;
// a wrong key yields wrong plaintext without an error. The package keeps
// existing key directories readable and should not be used to protect new
// data.
//
// Protected Against:
//   - Casual reading of file contents by users without a tier key
//
// Not Protected Against:
//   - Factoring the small public moduli
//   - Tampering, block reordering and identical-block leakage (ECB)
//   - Metadata leakage (names, sizes, owners)
//
// # Key Derivation
//
// Private keys in the shadow file are sealed with a key derived from the
// user's password. KDFLegacy uses the password bytes directly, which keeps
// old shadow files readable. KDFArgon2id and KDFPBKDF2 derive the sealing
// key from a random salt stored in front of the sealed record.
package sfs
