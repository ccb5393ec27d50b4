package canopen

import tcan "github.com/simonkerscher/tcan"

// SDO command specifiers, the top nibble of byte 0 of an SDO frame, plus
// the low bits an expedited transfer sets: bit 1 marks the transfer
// expedited, bit 0 marks the unused-byte count (bits 2-3) as valid.
const (
	sdoInitiateDownload uint8 = 0x20 // request, expedited write
	sdoInitiateUpload   uint8 = 0x40 // request, read
	sdoUploadResponse   uint8 = 0x40 // response carries the read data

	sdoExpedited     uint8 = 0x02
	sdoSizeIndicated uint8 = 0x01
)

// sdoTxOffset/sdoRxOffset are added to a node id to get the CANopen
// identifier a device's SDO server transmits on (Tx, from the device's
// point of view) and the identifier this side transmits requests on (Rx).
const (
	sdoTxOffset uint32 = 0x580
	sdoRxOffset uint32 = 0x600
)

// SDORequest is one outstanding SDO request: the frame to (re)transmit,
// and the (index, subIndex) used to match the eventual response.
type SDORequest struct {
	Frame    tcan.Frame
	Index    uint16
	SubIndex uint8
	IsRead   bool
}

// NewSDOReadRequest builds a request to read (upload) index:subIndex.
func NewSDOReadRequest(index uint16, subIndex uint8) SDORequest {
	frame := tcan.NewFrame(0).
		WriteUint8(0, sdoInitiateUpload).
		WriteUint16(1, index).
		WriteUint8(3, subIndex)
	frame.DLC = 8
	return SDORequest{Frame: frame, Index: index, SubIndex: subIndex, IsRead: true}
}

// NewSDOWriteRequest builds an expedited 4-octet write (download) request.
// The unused-byte count occupies bits 2-3 of byte 0 as (4-n)<<2, where n is
// the number of valid payload octets; a full 4-byte write has n=4, so the
// term is 0 and the byte is just sdoInitiateDownload|sdoExpedited|sdoSizeIndicated.
func NewSDOWriteRequest(index uint16, subIndex uint8, value uint32) SDORequest {
	const n = 4
	unused := uint8(4-n) << 2
	frame := tcan.NewFrame(0).
		WriteUint8(0, sdoInitiateDownload|sdoExpedited|sdoSizeIndicated|unused).
		WriteUint16(1, index).
		WriteUint8(3, subIndex).
		WriteUint32(4, value)
	frame.DLC = 8
	return SDORequest{Frame: frame, Index: index, SubIndex: subIndex, IsRead: false}
}

func sdoResponseIndex(frame tcan.Frame) (index uint16, subIndex uint8) {
	return frame.ReadUint16(1), frame.ReadUint8(3)
}

func isSDOUploadResponse(frame tcan.Frame) bool {
	return frame.Data[0]&0xE0 == sdoUploadResponse
}
