package binprot

import "testing"

// FuzzDecodeHeader exercises DecodeHeader against arbitrary byte strings.
// The codec must never panic on attacker-controlled input of at least
// HeaderSize bytes; shorter input is allowed to panic, as DecodeHeader
// documents.
func FuzzDecodeHeader(f *testing.F) {
	f.Add(EncodeHeader(Header{Magic: MagicClientRequest, Opcode: OpNoop}))
	f.Add(EncodeHeader(Header{Magic: MagicClientResponse, Opcode: OpGet, VbucketOrStatus: uint16(StatusKeyENOENT)}))
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize-1))
	f.Add([]byte{0x55, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				if len(data) >= HeaderSize {
					t.Fatalf("DecodeHeader panicked on %d-byte input: %v", len(data), r)
				}
			}
		}()
		_, _ = DecodeHeader(data)
	})
}
