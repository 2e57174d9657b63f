// Package block implements the channel-level block header layout shared by
// every NPU protocol module: the bit-exact 5-byte order-word header, block
// type codes, and the data-block-clarifier flags.
package block

// HeaderLen is the fixed size, in bytes, of a block header.
const HeaderLen = 5

// Type is the 4-bit block type carried in the low nibble of header byte 3.
type Type uint8

// Block types. CMD's value (0x04) is a known constant; the remaining codes
// are not independently pinned down elsewhere, so they are assigned
// sequentially in a fixed, documented order.
const (
	TypeCmd   Type = 0x04
	TypeBlk   Type = 0x05 // BlkHTBLK: data block, more to come
	TypeMsg   Type = 0x06 // BlkHTMSG: data block, end of message
	TypeBAck  Type = 0x07
	TypeQBlk  Type = 0x08
	TypeQMsg  Type = 0x09
	TypeTerm  Type = 0x0a
	TypeRInit Type = 0x0b
	TypeNInit Type = 0x0c
	TypeReset Type = 0x0d
)

// DBC holds the data-block-clarifier bits carried in byte 4.
type DBC uint8

const (
	DBCTransparent DBC = 1 << 0
	DBCCancel      DBC = 1 << 1
	DBCNoFE        DBC = 1 << 2
	DBCEchoplex    DBC = 1 << 3
	DBCNoCursorPos DBC = 1 << 4
)

func (d DBC) Has(flag DBC) bool { return d&flag != 0 }

// Header is the decoded form of the first HeaderLen bytes of every block.
type Header struct {
	DN  uint8 // destination node
	SN  uint8 // source node
	CN  uint8 // connection number (0 for SVM CMD blocks; real CN, if any, rides in P3)
	BT  Type  // block type, low 4 bits of byte 3
	BSN uint8 // 3-bit block sequence number, bits 4-6 of byte 3 (above BT)
	DBC DBC   // data block clarifier, byte 4
}

// Decode parses the first HeaderLen bytes of buf into a Header. It panics if
// buf is shorter than HeaderLen; callers must check buffer length first,
// matching the channel peer's contract of only ever handing over whole
// blocks no shorter than the header.
func Decode(buf []byte) Header {
	_ = buf[HeaderLen-1]
	b3 := buf[3]
	return Header{
		DN:  buf[0],
		SN:  buf[1],
		CN:  buf[2],
		BT:  Type(b3 & 0x0f),
		BSN: (b3 >> 4) & 0x07,
		DBC: DBC(buf[4]),
	}
}

// Encode writes h into the first HeaderLen bytes of buf, which must be at
// least HeaderLen bytes long.
func Encode(buf []byte, h Header) {
	_ = buf[HeaderLen-1]
	buf[0] = h.DN
	buf[1] = h.SN
	buf[2] = h.CN
	buf[3] = byte(h.BT&0x0f) | (h.BSN&0x07)<<4
	buf[4] = byte(h.DBC)
}

// PFC/SFC occupy offsets 4 and 5 of a CMD block: in a CMD block the byte at
// the DBC position (offset 4) carries the PFC, and the SFC follows it.
const (
	OffsetPFC = 4
	OffsetSFC = 5
	OffsetP3  = 6
)

// PFC identifies a service-message primary function code.
type PFC uint8

// SFC identifies a service-message secondary function code. The high bit
// (SfcResp) marks a reply to a request, and SfcErr marks an error reply.
type SFC uint8

const (
	SfcResp SFC = 0x80
	SfcErr  SFC = 0x40
	sfcMask SFC = 0x3f
)

// Base strips the Resp/Err decoration bits, leaving the bare function code.
func (s SFC) Base() SFC { return s & sfcMask }
func (s SFC) IsResp() bool { return s&SfcResp != 0 }
func (s SFC) IsErr() bool  { return s&SfcErr != 0 }

// PFC/SFC values used by SVM.
const (
	PfcSUP PFC = 0x02
	SfcIN  SFC = 0x01

	PfcNPS PFC = 0x03
	SfcNP  SFC = 0x01

	PfcCNF PFC = 0x04
	SfcTE  SFC = 0x01

	PfcICN PFC = 0x05
	SfcCO  SFC = 0x01

	PfcTCN PFC = 0x06
	SfcTA  SFC = 0x01

	PfcLinkReg PFC = 0x01
	SfcLinkReg SFC = 0x01

	PfcSupervisionReq PFC = 0x0e
	SfcSupervisionReq SFC = 0x0a
)
