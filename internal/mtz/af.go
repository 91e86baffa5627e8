package mtz

import "encoding/binary"

const afIncomingMsg byte = 0x81

// AF header layout within AF_INCOMING_MSG, per the radio's fixed fields
// before the variable-length ZCL payload begins.
const (
	afClusterIDOff  = 2
	afSrcAddrOff    = 4
	afSrcEPOff      = 6
	afDstEPOff      = 7
	afWasBcastOff   = 8
	afLinkQualOff   = 9
	afSecurityOff   = 10
	afTimestampOff  = 11
	afTransSeqOff   = 15
	afZCLLenOff     = 16
	afZCLPayloadOff = 17
)

// ZCL command ids this decoder recognizes inside an AF_INCOMING_MSG body.
const (
	zclCmdReadAttributesResponse  byte = 0x01
	zclCmdConfigureReportingResp  byte = 0x07
	zclCmdReportAttributes        byte = 0x0A
	zclCmdOnOffToggle             byte = 0x02
)

const clusterOnOff uint16 = 0x0006

// AFPacket is the tagged union of decoded AF payloads.
type AFPacket struct {
	Kind AFPacketKind

	IncomingMessage *IncomingMessage
}

// AFPacketKind discriminates AFPacket's variants.
type AFPacketKind int

const (
	AFKindIncomingMessage AFPacketKind = iota
)

// IncomingMessage is one AF_INCOMING_MSG decoded into its source address,
// cluster, and — if recognized — a typed sensor reading.
type IncomingMessage struct {
	SrcAddr   uint16
	ClusterID uint16
	Reading   Reading // nil if the ZCL body carried nothing this decoder recognizes
}

// Reading is the tagged union of sensor/actuator values the walker knows
// how to produce. It is implemented by Temperature, Humidity, Battery,
// OnOff, ActivePower, and ButtonPress.
type Reading interface {
	readingMarker()
}

// Temperature is a Temperature Measurement cluster report, in Celsius.
type Temperature struct {
	Src     uint16
	Celsius float64
}

// Humidity is a Relative Humidity cluster report, in percent.
type Humidity struct {
	Src     uint16
	Percent float64
}

// Battery is a Power Configuration BatteryPercentageRemaining report.
type Battery struct {
	Src     uint16
	Percent float64
}

// OnOff is an On/Off cluster attribute report.
type OnOff struct {
	Src  uint16
	IsOn bool
}

// ActivePower is a raw Electrical Measurement ActivePower reading.
type ActivePower struct {
	Src   uint16
	Watts int16
}

// ButtonPress is emitted for an On/Off cluster Toggle command (0x02).
type ButtonPress struct {
	Src uint16
}

func (Temperature) readingMarker() {}
func (Humidity) readingMarker()    {}
func (Battery) readingMarker()     {}
func (OnOff) readingMarker()       {}
func (ActivePower) readingMarker() {}
func (ButtonPress) readingMarker() {}

// DecodeAF decodes the payload of an AF-subsystem frame. Only
// AREQ|AF,AF_INCOMING_MSG is recognized; anything else returns
// (AFPacket{}, false).
func DecodeAF(f Frame) (AFPacket, bool) {
	if f.Cmd0 != Cmd0(TypeAREQ, SubsystemAF) || f.Cmd1 != afIncomingMsg {
		return AFPacket{}, false
	}
	p := f.Payload
	if len(p) <= afZCLPayloadOff {
		return AFPacket{}, false
	}

	srcAddr := binary.LittleEndian.Uint16(p[afSrcAddrOff : afSrcAddrOff+2])
	clusterID := binary.LittleEndian.Uint16(p[afClusterIDOff : afClusterIDOff+2])
	zclLen := int(p[afZCLLenOff])
	body := p[afZCLPayloadOff:]
	if len(body) > zclLen {
		body = body[:zclLen]
	}

	msg := &IncomingMessage{SrcAddr: srcAddr, ClusterID: clusterID}
	if reading := decodeZCLBody(srcAddr, clusterID, body); reading != nil {
		msg.Reading = reading
	}
	return AFPacket{Kind: AFKindIncomingMessage, IncomingMessage: msg}, true
}

// decodeZCLBody interprets the ZCL header and command-specific body that
// follows an AF_INCOMING_MSG's fixed header.
func decodeZCLBody(srcAddr uint16, clusterID uint16, body []byte) Reading {
	if len(body) < 3 {
		return nil
	}
	cmd := body[2]
	rest := body[3:]

	switch {
	case cmd == zclCmdConfigureReportingResp:
		// Status byte only; nothing to surface as a reading.
		return nil

	case clusterID == clusterOnOff && cmd == zclCmdOnOffToggle:
		return ButtonPress{Src: srcAddr}

	case cmd == zclCmdReportAttributes || cmd == zclCmdReadAttributesResponse:
		return walkAttributes(srcAddr, clusterID, cmd, rest)

	default:
		return nil
	}
}

// walkAttributes is the dynamic ZCL attribute-list walker: it does not
// assume a fixed record offset or count, since real devices pack a
// variable number of attributes (and variable-length strings) per message.
// It returns the first recognized reading and ignores the rest, matching
// the single-reading-per-message shape these devices actually produce.
func walkAttributes(srcAddr uint16, clusterID uint16, cmd byte, data []byte) Reading {
	cursor := 0
	for cursor+2 <= len(data) {
		attrID := binary.LittleEndian.Uint16(data[cursor : cursor+2])
		cursor += 2

		if cmd == zclCmdReadAttributesResponse {
			if cursor >= len(data) {
				return nil
			}
			status := data[cursor]
			cursor++
			if status != 0 {
				continue
			}
		}

		if cursor >= len(data) {
			return nil
		}
		dataType := data[cursor]
		cursor++

		length, stop := zclTypeLength(dataType, data[cursor:])
		if stop {
			return nil
		}
		if cursor+length > len(data) {
			return nil
		}
		value := data[cursor : cursor+length]
		cursor += length

		if reading := interpretAttribute(srcAddr, clusterID, attrID, dataType, value); reading != nil {
			return reading
		}
	}
	return nil
}

// zclTypeLength derives how many value bytes follow a ZCL data type code,
// per the narrow table this decoder supports. "stop" means the type isn't
// recognized and the walker cannot safely continue (it doesn't know the
// record's length), so it must give up rather than misparse.
func zclTypeLength(dataType byte, remaining []byte) (length int, stop bool) {
	switch dataType {
	case 0x10, 0x18, 0x20, 0x30: // bool, bmp8, u8, enum8
		return 1, false
	case 0x19, 0x21, 0x29: // bmp16, u16, i16
		return 2, false
	case 0x23, 0x2B, 0x39: // u32, i32, float32
		return 4, false
	case 0x42: // char string: 1-byte length prefix + that many bytes
		if len(remaining) < 1 {
			return 0, true
		}
		return 1 + int(remaining[0]), false
	default:
		return 0, true
	}
}

// interpretAttribute maps a recognized (cluster, attribute) pair to a
// typed reading per the walker's table. Unrecognized pairs return nil so
// the walker moves on to the next attribute record.
func interpretAttribute(srcAddr, clusterID, attrID uint16, dataType byte, value []byte) Reading {
	switch {
	case clusterID == 0x0402 && attrID == 0x0000 && len(value) == 2:
		raw := int16(binary.LittleEndian.Uint16(value))
		return Temperature{Src: srcAddr, Celsius: float64(raw) / 100.0}

	case clusterID == 0x0405 && attrID == 0x0000 && len(value) == 2:
		raw := int16(binary.LittleEndian.Uint16(value))
		return Humidity{Src: srcAddr, Percent: float64(raw) / 100.0}

	case clusterID == 0x0001 && attrID == 0x0021 && len(value) == 1:
		return Battery{Src: srcAddr, Percent: float64(value[0]) / 2.0}

	case clusterID == 0x0006 && attrID == 0x0000 && len(value) == 1:
		return OnOff{Src: srcAddr, IsOn: value[0] != 0}

	case clusterID == 0x0B04 && attrID == 0x050B && len(value) == 2:
		return ActivePower{Src: srcAddr, Watts: int16(binary.LittleEndian.Uint16(value))}

	default:
		return nil
	}
}
