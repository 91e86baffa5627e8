package mtz

import "encoding/binary"

// ZDO command ids (cmd1), scoped to the ones this decoder recognizes.
const (
	zdoEndDeviceAnnceInd byte = 0xC1
	zdoBindRsp           byte = 0xA1
	zdoActiveEPRsp       byte = 0x85
	zdoSimpleDescRsp     byte = 0x84
	zdoBindReq           byte = 0x21
	zdoActiveEPReq       byte = 0x05
	zdoSimpleDescReq     byte = 0x04
	zdoMgmtPermitJoinReq byte = 0x36
	zdoTCDevInd          byte = 0xCA
	zdoStartupFromApp    byte = 0x40
	zdoStateChangeInd    byte = 0xC0
)

// ZDOPacket is the tagged union of decoded ZDO payloads. At most one of the
// typed fields is non-nil for any given packet (ZDOKindAck carries none);
// Kind says which.
type ZDOPacket struct {
	Kind ZDOPacketKind

	DeviceAnnouncement *DeviceAnnouncement
	ActiveEndpoints    *ActiveEndpoints
	SimpleDescriptor   *SimpleDescriptor
	BindResponse       *BindResponse
}

// ZDOPacketKind discriminates ZDOPacket's variants.
type ZDOPacketKind int

const (
	ZDOKindDeviceAnnouncement ZDOPacketKind = iota
	ZDOKindActiveEndpoints
	ZDOKindSimpleDescriptor
	ZDOKindBindResponse
	ZDOKindAck
)

// DeviceAnnouncement reports a device joining or rejoining the network.
type DeviceAnnouncement struct {
	SrcAddr uint16
	NwkAddr uint16
	IEEE    uint64
}

// ActiveEndpoints lists the endpoints a device exposes.
type ActiveEndpoints struct {
	SrcAddr   uint16
	NwkAddr   uint16
	Endpoints []uint8
}

// SimpleDescriptor describes one endpoint's profile, device id, and clusters.
type SimpleDescriptor struct {
	SrcAddr     uint16
	NwkAddr     uint16
	Endpoint    uint8
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16
}

// BindResponse reports the outcome of a ZDO_BIND_REQ.
type BindResponse struct {
	SrcAddr uint16
	Success bool
}

// DecodeZDO decodes the payload of a ZDO-subsystem frame. It returns
// (packet, true) for every frame the decoder recognizes, including opaque
// acknowledgements with no associated payload (ZDOKindAck). Unknown ZDO
// frames are not an error; they return (ZDOPacket{}, false) and the caller
// should simply drop them after a debug log.
func DecodeZDO(f Frame) (ZDOPacket, bool) {
	p := f.Payload
	switch {
	case f.Cmd0 == Cmd0(TypeAREQ, SubsystemZDO) && f.Cmd1 == zdoEndDeviceAnnceInd:
		if len(p) < 12 {
			return ZDOPacket{}, false
		}
		return ZDOPacket{
			Kind: ZDOKindDeviceAnnouncement,
			DeviceAnnouncement: &DeviceAnnouncement{
				SrcAddr: binary.LittleEndian.Uint16(p[0:2]),
				NwkAddr: binary.LittleEndian.Uint16(p[2:4]),
				IEEE:    binary.LittleEndian.Uint64(p[4:12]),
			},
		}, true

	case f.Cmd0 == Cmd0(TypeAREQ, SubsystemZDO) && f.Cmd1 == zdoBindRsp:
		if len(p) < 3 {
			return ZDOPacket{}, false
		}
		return ZDOPacket{
			Kind: ZDOKindBindResponse,
			BindResponse: &BindResponse{
				SrcAddr: binary.LittleEndian.Uint16(p[0:2]),
				Success: p[2] == 0,
			},
		}, true

	case f.Cmd0 == Cmd0(TypeAREQ, SubsystemZDO) && f.Cmd1 == zdoActiveEPRsp:
		if len(p) < 6 {
			return ZDOPacket{}, false
		}
		count := int(p[5])
		if len(p) < 6+count {
			return ZDOPacket{}, false
		}
		endpoints := make([]uint8, count)
		copy(endpoints, p[6:6+count])
		return ZDOPacket{
			Kind: ZDOKindActiveEndpoints,
			ActiveEndpoints: &ActiveEndpoints{
				SrcAddr:   binary.LittleEndian.Uint16(p[0:2]),
				NwkAddr:   binary.LittleEndian.Uint16(p[3:5]),
				Endpoints: endpoints,
			},
		}, true

	case f.Cmd0 == Cmd0(TypeAREQ, SubsystemZDO) && f.Cmd1 == zdoSimpleDescRsp:
		return decodeSimpleDescRsp(p)

	case f.Cmd0 == Cmd0(TypeSRSP, SubsystemZDO) &&
		(f.Cmd1 == zdoMgmtPermitJoinReq || f.Cmd1 == zdoActiveEPReq || f.Cmd1 == zdoSimpleDescReq || f.Cmd1 == zdoBindReq):
		return ZDOPacket{Kind: ZDOKindAck}, true

	case f.Cmd0 == Cmd0(TypeAREQ, SubsystemZDO) && f.Cmd1 == zdoMgmtPermitJoinReq:
		return ZDOPacket{Kind: ZDOKindAck}, true

	case f.Cmd0 == Cmd0(TypeAREQ, SubsystemZDO) && f.Cmd1 == zdoTCDevInd:
		return ZDOPacket{Kind: ZDOKindAck}, true

	default:
		return ZDOPacket{}, false
	}
}

func decodeSimpleDescRsp(p []byte) (ZDOPacket, bool) {
	// srcAddr(2) status(1) nwkAddr(2) descLen(1) endpoint(1) profileId(2)
	// deviceId(2) deviceVersion(1) inCount(1) inClusters(2*inCount) outCount(1) outClusters(2*outCount)
	if len(p) < 12 {
		return ZDOPacket{}, false
	}
	srcAddr := binary.LittleEndian.Uint16(p[0:2])
	nwkAddr := binary.LittleEndian.Uint16(p[3:5])
	endpoint := p[6]
	profileID := binary.LittleEndian.Uint16(p[7:9])
	deviceID := binary.LittleEndian.Uint16(p[9:11])
	cursor := 12 // skip deviceVersion at index 11

	if cursor >= len(p) {
		return ZDOPacket{}, false
	}
	inCount := int(p[cursor])
	cursor++
	if len(p) < cursor+2*inCount+1 {
		return ZDOPacket{}, false
	}
	inClusters := make([]uint16, inCount)
	for i := 0; i < inCount; i++ {
		inClusters[i] = binary.LittleEndian.Uint16(p[cursor : cursor+2])
		cursor += 2
	}
	outCount := int(p[cursor])
	cursor++
	if len(p) < cursor+2*outCount {
		return ZDOPacket{}, false
	}
	outClusters := make([]uint16, outCount)
	for i := 0; i < outCount; i++ {
		outClusters[i] = binary.LittleEndian.Uint16(p[cursor : cursor+2])
		cursor += 2
	}

	return ZDOPacket{
		Kind: ZDOKindSimpleDescriptor,
		SimpleDescriptor: &SimpleDescriptor{
			SrcAddr:     srcAddr,
			NwkAddr:     nwkAddr,
			Endpoint:    endpoint,
			ProfileID:   profileID,
			DeviceID:    deviceID,
			InClusters:  inClusters,
			OutClusters: outClusters,
		},
	}, true
}
