package device

// virtio-mmio register offsets (virtio 1.1, 4.2.2)
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100
)

const (
	magicValue  = 0x74726976 // "virt"
	mmioVersion = 2
	// vendorID is "VMAT" in little endian.
	vendorID = 0x54414d56

	deviceIDBlock = 2
)

// Device status bits.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusNeedsReset  = 64
	StatusFailed      = 128
)

// Feature bits.
const (
	featureVersion1 = 1 << 32

	blkFeatureRO      = 1 << 5
	blkFeatureBlkSize = 1 << 6
	blkFeatureFlush   = 1 << 9
)

// Block request types and status codes.
const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4
	blkTypeGetID = 8

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	sectorSize = 512
	blkIDSize  = 20
)

const interruptUsedBuffer = 1
