package zk

// Command ids understood by the terminal firmware. The set is stable across
// firmware generations even where the record layouts are not.
const (
	cmdConnect     uint16 = 1000
	cmdExit        uint16 = 1001
	cmdAuth        uint16 = 1102
	cmdVersion     uint16 = 1100
	cmdGetTime     uint16 = 201
	cmdSetTime     uint16 = 202
	cmdUserWrite   uint16 = 8
	cmdDeleteUser  uint16 = 18
	cmdUnlock      uint16 = 31
	cmdFreeSizes   uint16 = 50
	cmdRegEvent    uint16 = 500
	cmdPrepareData uint16 = 1500
	cmdData        uint16 = 1501
	cmdFreeData    uint16 = 1502
	cmdDataWrrq    uint16 = 1503
	cmdDataRdy     uint16 = 1504

	ackOK     uint16 = 2000
	ackError  uint16 = 2001
	ackData   uint16 = 2002
	ackUnauth uint16 = 2005
)

// Bulk read request payloads for CMD_DATA_WRRQ. The first byte selects the
// storage area, the second the table.
var (
	reqUsers       = []byte{0x01, 0x09, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	reqAttendances = []byte{0x01, 0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
)

const (
	// maxChunk is the largest slice of a bulk payload requested per
	// CMD_DATA_RDY. Matches the firmware's own transfer unit.
	maxChunk = 0xFFC0

	// maxUID is the highest user slot the firmware accepts.
	maxUID = 3000
)
