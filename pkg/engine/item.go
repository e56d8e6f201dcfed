package engine

import "github.com/cachemir/kvdaemon/pkg/binprot"

// Item is the key storage engine's unit of data: a single stored document
// addressed by (vbucket, key). spec.md §1 treats the key storage engine as
// an external collaborator with a defined interface; Item is that
// interface's payload shape.
type Item struct {
	Key      string
	Vbucket  uint16
	Value    []byte
	Flags    uint32
	Expiry   uint32 // absolute unix seconds, 0 = never expires
	CAS      uint64
	Datatype binprot.Datatype
}

// ItemInfo is the read-only metadata view returned by GetItemInfo,
// mirroring the engine interface's get_item_info call (spec.md §6)
// without handing out the mutable Item itself.
type ItemInfo struct {
	Key      string
	Vbucket  uint16
	Flags    uint32
	Expiry   uint32
	CAS      uint64
	Datatype binprot.Datatype
	ValueLen int
}

// StoreMode selects the conditional semantics of StoreIf, corresponding to
// the Add/Replace/Set family of opcodes.
type StoreMode uint8

// StoreMode values.
const (
	StoreSet StoreMode = iota
	StoreAdd
	StoreReplace
	StoreAppend
	StorePrepend
)
