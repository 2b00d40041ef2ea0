package docsync

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// client library for the realtime document subsystem.
// one websocket session multiplexes many document rooms,
// one workspace runtime materializes documents on demand,
// local durable store is the source of truth, the remote snapshot store is backfill only.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, fmt.Errorf("id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// ulids are ordered by create time. used for last-writer-wins inside the content tree.
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id json: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

type WorkspaceId = string

// content-addressed handle into the blob engine
type BlobRef string

func (self BlobRef) Valid() bool {
	if len(self) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(self))
	return err == nil
}

// per-document bookkeeping kept by the workspace runtime
type DocMeta struct {
	DocId     Id        `msgpack:"doc_id"`
	CreatedAt time.Time `msgpack:"created_at"`
	Tags      []string  `msgpack:"tags"`
}
