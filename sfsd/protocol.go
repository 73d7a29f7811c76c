package sfsd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// Kind identifies a request.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindOpen
	KindClose
	KindRead
	KindWrite
	KindChmod
	KindFchmod
	KindLogin
	KindReply
	KindIs
	KindChpass
	KindDump
	KindGetSize
	KindSetSize
	KindLogout
	KindUnlink
	KindRename
)

var kindNames = [...]string{
	KindString:  "STRING",
	KindOpen:    "OPEN",
	KindClose:   "CLOSE",
	KindRead:    "READ",
	KindWrite:   "WRITE",
	KindChmod:   "CHMOD",
	KindFchmod:  "FCHMOD",
	KindLogin:   "LOGIN",
	KindReply:   "REPLY",
	KindIs:      "IS",
	KindChpass:  "CHPASS",
	KindDump:    "DUMP",
	KindGetSize: "GETSIZE",
	KindSetSize: "SETSIZE",
	KindLogout:  "LOGOUT",
	KindUnlink:  "UNLINK",
	KindRename:  "RENAME",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) || kindNames[k] == "" {
		return nil, fmt.Errorf("unknown request kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if name != "" && name == string(text) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown request kind %q", text)
}

// Code is the outcome of a request.
type Code int

const (
	CodeOK        Code = 0
	CodeFail      Code = 1
	CodeEncrypted Code = 2
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeFail:
		return "fail"
	case CodeEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Reason classifies a failed request so that clients can map it back to
// an error value.
type Reason string

const (
	ReasonInternal         Reason = "internal"
	ReasonInvalid          Reason = "invalid"
	ReasonUnauthorized     Reason = "unauthorized"
	ReasonDenied           Reason = "denied"
	ReasonBadPassword      Reason = "bad_password"
	ReasonNotOwner         Reason = "not_owner"
	ReasonNoFileKey        Reason = "no_file_key"
	ReasonNotEncrypted     Reason = "not_encrypted"
	ReasonAlreadyEncrypted Reason = "already_encrypted"
	ReasonBadHandle        Reason = "bad_handle"
	ReasonLimit            Reason = "limit"
	ReasonUnsupported      Reason = "unsupported"
)

// Request is a message to the daemon. UID and GID name the user on LOGIN
// and the file owner on CHMOD; every other request acts for the identity
// carried by the Auth token.
type Request struct {
	Kind        Kind   `json:"kind"`
	Auth        string `json:"auth,omitempty"`
	UID         int    `json:"uid"`
	GID         int    `json:"gid"`
	ReplyTo     string `json:"reply_to,omitempty"`
	Handle      int    `json:"handle,omitempty"`
	Dir         string `json:"dir,omitempty"`
	Name        string `json:"name,omitempty"`
	NewDir      string `json:"new_dir,omitempty"`
	NewName     string `json:"new_name,omitempty"`
	Block       []byte `json:"block,omitempty"`
	Encrypt     bool   `json:"encrypt,omitempty"`
	Rights      uint32 `json:"rights,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Password    string `json:"password,omitempty"`
	NewPassword string `json:"new_password,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Reply answers a Request. ReplyTo echoes the request's.
type Reply struct {
	Kind    Kind   `json:"kind"`
	ReplyTo string `json:"reply_to,omitempty"`
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason,omitempty"`
	Handle  int    `json:"handle,omitempty"`
	Block   []byte `json:"block,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// Codec turns messages into frames. Frames are JSON, snappy compressed
// when Compress is set; both ends must agree.
type Codec struct {
	Compress bool
}

// ErrMalformed is returned for a frame that does not decode.
var ErrMalformed = errors.New("malformed message")

// Marshal encodes v into a frame.
func (c Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if c.Compress {
		data = snappy.Encode(nil, data)
	}
	return data, nil
}

// Unmarshal decodes a frame into v.
func (c Codec) Unmarshal(frame []byte, v any) error {
	data := frame
	if c.Compress {
		var err error
		if data, err = snappy.Decode(nil, frame); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
