package binprot

// Opcode identifies the operation a request frame carries. Values match
// the wire protocol exactly so a decoded byte can be cast directly.
type Opcode uint8

// Opcode constants for the commands this core's executor dispatch table
// must serve (spec.md §4.5): data operations, SASL, HELLO, bucket
// selection, DCP/change-feed control and data messages, sub-document,
// collections, audit, config reload, observe/seqno-persistence and
// privilege management.
const (
	OpGet     Opcode = 0x00
	OpSet     Opcode = 0x01
	OpAdd     Opcode = 0x02
	OpReplace Opcode = 0x03
	OpDelete  Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpDecrement Opcode = 0x06
	OpQuit    Opcode = 0x07
	OpFlush   Opcode = 0x08
	OpGetQ    Opcode = 0x09
	OpNoop    Opcode = 0x0A
	OpVersion Opcode = 0x0B
	OpGetK    Opcode = 0x0C
	OpGetKQ   Opcode = 0x0D
	OpAppend  Opcode = 0x0E
	OpPrepend Opcode = 0x0F
	OpStat    Opcode = 0x10
	OpSetQ     Opcode = 0x11
	OpAddQ     Opcode = 0x12
	OpReplaceQ Opcode = 0x13
	OpDeleteQ  Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1A
	OpTouch        Opcode = 0x1C
	OpGetAndTouch  Opcode = 0x1D
	OpGetAndTouchQ Opcode = 0x1E
	OpGetLocked    Opcode = 0x94
	OpUnlock       Opcode = 0x95

	OpSASLListMechs Opcode = 0x20
	OpSASLAuth      Opcode = 0x21
	OpSASLStep      Opcode = 0x22

	OpHello Opcode = 0x1F

	OpSelectBucket Opcode = 0x89

	OpDcpOpen              Opcode = 0x50
	OpDcpAddStream         Opcode = 0x51
	OpDcpCloseStream       Opcode = 0x52
	OpDcpStreamReq         Opcode = 0x53
	OpDcpGetFailoverLog    Opcode = 0x54
	OpDcpStreamEnd         Opcode = 0x55
	OpDcpSnapshotMarker    Opcode = 0x56
	OpDcpMutation          Opcode = 0x57
	OpDcpDeletion          Opcode = 0x58
	OpDcpExpiration        Opcode = 0x59
	OpDcpFlush             Opcode = 0x5A
	OpDcpSetVbucketState   Opcode = 0x5B
	OpDcpNoop              Opcode = 0x5C
	OpDcpBufferAck         Opcode = 0x5D
	OpDcpControl           Opcode = 0x5E
	OpDcpSystemEvent       Opcode = 0x5F

	OpSubdocGet         Opcode = 0xC5
	OpSubdocExists      Opcode = 0xC6
	OpSubdocDictAdd     Opcode = 0xC7
	OpSubdocDictUpsert  Opcode = 0xC8
	OpSubdocDelete      Opcode = 0xC9
	OpSubdocReplace     Opcode = 0xCA
	OpSubdocArrayPushLast  Opcode = 0xCB
	OpSubdocArrayPushFirst Opcode = 0xCC
	OpSubdocArrayInsert    Opcode = 0xCD
	OpSubdocArrayAddUnique Opcode = 0xCE
	OpSubdocCounter        Opcode = 0xCF
	OpSubdocMultiLookup    Opcode = 0xD0
	OpSubdocMultiMutation  Opcode = 0xD1

	OpCollectionsGetManifest Opcode = 0xBA
	OpCollectionsSetManifest Opcode = 0xB9
	OpCollectionsGetID       Opcode = 0xBB

	OpAuditPut          Opcode = 0x27
	OpAuditConfigReload Opcode = 0x28

	OpConfigReload Opcode = 0xD2

	OpObserveSeqno     Opcode = 0x91
	OpSeqnoPersistence Opcode = 0x93
	OpObserve          Opcode = 0x92

	OpDropPrivilege Opcode = 0xD3

)

var opcodeNames = map[Opcode]string{
	OpGet: "GET", OpSet: "SET", OpAdd: "ADD", OpReplace: "REPLACE",
	OpDelete: "DELETE", OpIncrement: "INCREMENT", OpDecrement: "DECREMENT",
	OpQuit: "QUIT", OpFlush: "FLUSH", OpGetQ: "GETQ", OpNoop: "NOOP",
	OpVersion: "VERSION", OpGetK: "GETK", OpGetKQ: "GETKQ",
	OpAppend: "APPEND", OpPrepend: "PREPEND", OpStat: "STAT",
	OpSetQ: "SETQ", OpAddQ: "ADDQ", OpReplaceQ: "REPLACEQ", OpDeleteQ: "DELETEQ",
	OpIncrementQ: "INCREMENTQ", OpDecrementQ: "DECREMENTQ", OpQuitQ: "QUITQ",
	OpFlushQ: "FLUSHQ", OpAppendQ: "APPENDQ", OpPrependQ: "PREPENDQ",
	OpTouch: "TOUCH", OpGetAndTouch: "GAT", OpGetAndTouchQ: "GATQ",
	OpGetLocked: "GET_LOCKED", OpUnlock: "UNLOCK",
	OpSASLListMechs: "SASL_LIST_MECHS", OpSASLAuth: "SASL_AUTH", OpSASLStep: "SASL_STEP",
	OpHello: "HELLO", OpSelectBucket: "SELECT_BUCKET",
	OpDcpOpen: "DCP_OPEN", OpDcpAddStream: "DCP_ADD_STREAM",
	OpDcpCloseStream: "DCP_CLOSE_STREAM", OpDcpStreamReq: "DCP_STREAM_REQ",
	OpDcpGetFailoverLog: "DCP_GET_FAILOVER_LOG", OpDcpStreamEnd: "DCP_STREAM_END",
	OpDcpSnapshotMarker: "DCP_SNAPSHOT_MARKER", OpDcpMutation: "DCP_MUTATION",
	OpDcpDeletion: "DCP_DELETION", OpDcpExpiration: "DCP_EXPIRATION",
	OpDcpFlush: "DCP_FLUSH", OpDcpSetVbucketState: "DCP_SET_VBUCKET_STATE",
	OpDcpNoop: "DCP_NOOP", OpDcpBufferAck: "DCP_BUFFER_ACKNOWLEDGEMENT",
	OpDcpControl: "DCP_CONTROL", OpDcpSystemEvent: "DCP_SYSTEM_EVENT",
	OpSubdocGet: "SUBDOC_GET", OpSubdocExists: "SUBDOC_EXISTS",
	OpSubdocDictAdd: "SUBDOC_DICT_ADD", OpSubdocDictUpsert: "SUBDOC_DICT_UPSERT",
	OpSubdocDelete: "SUBDOC_DELETE", OpSubdocReplace: "SUBDOC_REPLACE",
	OpSubdocArrayPushLast: "SUBDOC_ARRAY_PUSH_LAST", OpSubdocArrayPushFirst: "SUBDOC_ARRAY_PUSH_FIRST",
	OpSubdocArrayInsert: "SUBDOC_ARRAY_INSERT", OpSubdocArrayAddUnique: "SUBDOC_ARRAY_ADD_UNIQUE",
	OpSubdocCounter: "SUBDOC_COUNTER", OpSubdocMultiLookup: "SUBDOC_MULTI_LOOKUP",
	OpSubdocMultiMutation: "SUBDOC_MULTI_MUTATION",
	OpCollectionsGetManifest: "COLLECTIONS_GET_MANIFEST", OpCollectionsSetManifest: "COLLECTIONS_SET_MANIFEST",
	OpCollectionsGetID: "COLLECTIONS_GET_ID",
	OpAuditPut: "AUDIT_PUT", OpAuditConfigReload: "AUDIT_CONFIG_RELOAD",
	OpDropPrivilege: "DROP_PRIVILEGES", OpConfigReload: "CONFIG_RELOAD",
	OpObserveSeqno: "OBSERVE_SEQNO", OpSeqnoPersistence: "SEQNO_PERSISTENCE",
	OpObserve: "OBSERVE",
}

// String returns the opcode's mnemonic name, matching the naming used by
// the reference daemon's own opcode table, or a numeric fallback for
// opcodes this core does not name explicitly.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "OPCODE_0x" + hexByte(byte(o))
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xF]})
}
