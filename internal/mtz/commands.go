package mtz

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// SYS/AF/UTIL command ids (cmd1) used by the high-level builders below.
const (
	sysResetReq  byte = 0x00
	sysResetInd  byte = 0x80
	sysVersion   byte = 0x02
	afRegister   byte = 0x00
	afDataReq    byte = 0x01
	utilDeviceInfo byte = 0x00
)

// Fixed endpoint/profile parameters this driver registers with, per
// spec.md's §4.4.2 register_endpoint description.
const (
	coordinatorEndpoint  uint8  = 1
	haProfileID          uint16 = 0x0104
	haDeviceID           uint16 = 0x0007
	clusterTemperature   uint16 = 0x0402
	clusterHumidity      uint16 = 0x0405
)

// Network lifecycle states reported by the radio, see spec.md §4.5.
const (
	DeviceStateHold        byte = 0x00
	DeviceStateInit        byte = 0x01
	DeviceStateNwkDisc     byte = 0x02
	DeviceStateNwkJoining  byte = 0x03
	DeviceStateCoordinator byte = 0x09
)

const defaultReplyTimeout = 3 * time.Second

// SysVersion is the decoded reply to SYS_VERSION.
type SysVersion struct {
	Transport byte
	Product   byte
	Major     byte
	Minor     byte
	Maint     byte
	Revision  uint32
}

// DeviceState is the decoded reply to UTIL_GET_DEVICE_INFO.
type DeviceState struct {
	IEEE      uint64
	ShortAddr uint16
	DeviceType byte
	State     byte
}

// Reset soft-resets the radio: the request is fire-and-forget (per the
// original driver this mirrors, a reset that hasn't happened yet cannot
// answer a synchronous request), then we optionally observe SYS_RESET_IND
// and finally pause for the radio's reinitialization.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.Send(Frame{Cmd0: Cmd0(TypeAREQ, SubsystemSYS), Cmd1: sysResetReq, Payload: []byte{0x01}}); err != nil {
		return fmt.Errorf("mtz: reset: %w", err)
	}
	_, _ = c.WaitForFrame(ctx, Cmd0(TypeAREQ, SubsystemSYS), sysResetInd, 5*time.Second)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	return nil
}

// GetSystemVersion asks the radio for its firmware version.
func (c *Client) GetSystemVersion(ctx context.Context) (SysVersion, error) {
	req := Frame{Cmd0: Cmd0(TypeSREQ, SubsystemSYS), Cmd1: sysVersion}
	resp, err := c.SendAndWait(ctx, req, Cmd0(TypeSRSP, SubsystemSYS), sysVersion, defaultReplyTimeout)
	if err != nil {
		return SysVersion{}, fmt.Errorf("mtz: get system version: %w", err)
	}
	p := resp.Payload
	if len(p) < 5 {
		return SysVersion{}, fmt.Errorf("mtz: get system version: short reply (%d bytes)", len(p))
	}
	v := SysVersion{Transport: p[0], Product: p[1], Major: p[2], Minor: p[3], Maint: p[4]}
	if len(p) >= 9 {
		v.Revision = binary.LittleEndian.Uint32(p[5:9])
	}
	return v, nil
}

// RegisterEndpoint registers this driver's fixed HA endpoint with the
// radio, exposing the temperature and humidity clusters as its outputs.
func (c *Client) RegisterEndpoint(ctx context.Context) error {
	profileID, deviceID := haProfileID, haDeviceID
	tempCluster, humCluster := clusterTemperature, clusterHumidity
	payload := []byte{
		coordinatorEndpoint,
		byte(profileID), byte(profileID >> 8),
		byte(deviceID), byte(deviceID >> 8),
		0x00, // device version
		0x00, // latency
		0x00, // input cluster count: none
		0x02, // output cluster count
		byte(tempCluster), byte(tempCluster >> 8),
		byte(humCluster), byte(humCluster >> 8),
	}
	req := Frame{Cmd0: Cmd0(TypeSREQ, SubsystemAF), Cmd1: afRegister, Payload: payload}
	resp, err := c.SendAndWait(ctx, req, Cmd0(TypeSRSP, SubsystemAF), afRegister, defaultReplyTimeout)
	if err != nil {
		return fmt.Errorf("mtz: register endpoint: %w", err)
	}
	if len(resp.Payload) < 1 || resp.Payload[0] != 0 {
		return fmt.Errorf("mtz: register endpoint: status %v", resp.Payload)
	}
	return nil
}

// StartNetwork brings the coordinator's network up: up to three SREQ
// retries, then a wait for the AREQ state-change indication, falling back
// to polling UTIL_GET_DEVICE_INFO if the indication is never observed.
func (c *Client) StartNetwork(ctx context.Context) error {
	req := Frame{Cmd0: Cmd0(TypeSREQ, SubsystemZDO), Cmd1: zdoStartupFromApp, Payload: []byte{0x64, 0x00}}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.SendAndWait(ctx, req, Cmd0(TypeSRSP, SubsystemZDO), zdoStartupFromApp, 3*time.Second)
		if err == nil && len(resp.Payload) >= 1 && resp.Payload[0] == 0 {
			lastErr = nil
			break
		}
		lastErr = fmt.Errorf("mtz: start network: attempt %d: %w", attempt+1, firstNonNil(err, fmt.Errorf("status %v", resp.Payload)))
	}
	if lastErr != nil {
		return lastErr
	}

	stateFrame, err := c.WaitForFrame(ctx, Cmd0(TypeAREQ, SubsystemZDO), zdoStateChangeInd, 5*time.Second)
	if err == nil && len(stateFrame.Payload) >= 1 && stateFrame.Payload[0] == DeviceStateCoordinator {
		return nil
	}

	// Fallback: poll device info directly.
	state, err := c.GetDeviceState(ctx)
	if err != nil {
		return fmt.Errorf("mtz: start network: no state change observed and device info poll failed: %w", err)
	}
	if state.State != DeviceStateCoordinator {
		return fmt.Errorf("mtz: start network: device state 0x%02X, expected coordinator", state.State)
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// GetDeviceState asks the radio for its current IEEE/short address/state.
func (c *Client) GetDeviceState(ctx context.Context) (DeviceState, error) {
	req := Frame{Cmd0: Cmd0(TypeSREQ, SubsystemUTIL), Cmd1: utilDeviceInfo}
	resp, err := c.SendAndWait(ctx, req, Cmd0(TypeSRSP, SubsystemUTIL), utilDeviceInfo, defaultReplyTimeout)
	if err != nil {
		return DeviceState{}, fmt.Errorf("mtz: get device state: %w", err)
	}
	p := resp.Payload
	if len(p) < 13 {
		return DeviceState{}, fmt.Errorf("mtz: get device state: short reply (%d bytes)", len(p))
	}
	return DeviceState{
		IEEE:       binary.LittleEndian.Uint64(p[1:9]),
		ShortAddr:  binary.LittleEndian.Uint16(p[9:11]),
		DeviceType: p[11],
		State:      p[12],
	}, nil
}

// PermitJoin opens (or, with seconds=0, closes) the network to joins for
// the given duration, broadcast to the coordinator and all routers.
func (c *Client) PermitJoin(ctx context.Context, seconds byte) error {
	payload := []byte{0x02, 0xFC, 0xFF, seconds, 0x00}
	req := Frame{Cmd0: Cmd0(TypeSREQ, SubsystemZDO), Cmd1: zdoMgmtPermitJoinReq, Payload: payload}
	resp, err := c.SendAndWait(ctx, req, Cmd0(TypeSRSP, SubsystemZDO), zdoMgmtPermitJoinReq, defaultReplyTimeout)
	if err != nil {
		return fmt.Errorf("mtz: permit join: %w", err)
	}
	if len(resp.Payload) < 1 || resp.Payload[0] != 0 {
		return fmt.Errorf("mtz: permit join: status %v", resp.Payload)
	}
	return nil
}

// BindDevice binds targetShortAddr's srcEndpoint/clusterID reports to this
// coordinator's endpoint. targetIEEE and myIEEE are 8 bytes each, already
// in the wire's little-endian order.
func (c *Client) BindDevice(ctx context.Context, targetShortAddr uint16, targetIEEE [8]byte, clusterID uint16, myIEEE [8]byte) error {
	payload := make([]byte, 0, 23)
	payload = append(payload, byte(targetShortAddr), byte(targetShortAddr>>8))
	payload = append(payload, targetIEEE[:]...)
	payload = append(payload, coordinatorEndpoint)
	payload = append(payload, byte(clusterID), byte(clusterID>>8))
	payload = append(payload, 0x03) // dstAddrMode: 64-bit
	payload = append(payload, myIEEE[:]...)
	payload = append(payload, coordinatorEndpoint)

	req := Frame{Cmd0: Cmd0(TypeSREQ, SubsystemZDO), Cmd1: zdoBindReq, Payload: payload}
	resp, err := c.SendAndWait(ctx, req, Cmd0(TypeSRSP, SubsystemZDO), zdoBindReq, defaultReplyTimeout)
	if err != nil {
		return fmt.Errorf("mtz: bind device: %w", err)
	}
	if len(resp.Payload) < 1 || resp.Payload[0] != 0 {
		return fmt.Errorf("mtz: bind device: status %v", resp.Payload)
	}
	return nil
}

// FetchActiveEndpoints requests a device's active endpoint list. Like the
// original driver, this is fire-and-forget: the reply is an AREQ delivered
// to the ZDO handler, not a synchronous SRSP carrying the data.
func (c *Client) FetchActiveEndpoints(shortAddr uint16) error {
	payload := []byte{byte(shortAddr), byte(shortAddr >> 8), byte(shortAddr), byte(shortAddr >> 8)}
	if err := c.Send(Frame{Cmd0: Cmd0(TypeSREQ, SubsystemZDO), Cmd1: zdoActiveEPReq, Payload: payload}); err != nil {
		return fmt.Errorf("mtz: fetch active endpoints: %w", err)
	}
	return nil
}

// FetchSimpleDescriptor requests one endpoint's simple descriptor;
// fire-and-forget like FetchActiveEndpoints.
func (c *Client) FetchSimpleDescriptor(shortAddr uint16, endpoint uint8) error {
	payload := []byte{byte(shortAddr), byte(shortAddr >> 8), byte(shortAddr), byte(shortAddr >> 8), endpoint}
	if err := c.Send(Frame{Cmd0: Cmd0(TypeSREQ, SubsystemZDO), Cmd1: zdoSimpleDescReq, Payload: payload}); err != nil {
		return fmt.Errorf("mtz: fetch simple descriptor: %w", err)
	}
	return nil
}

// --- AF_DATA_REQUEST / ZCL wrappers ---

// afDataRequestPayload wraps a ZCL payload in the fixed AF_DATA_REQUEST
// header per spec.md §4.4.2.
func afDataRequestPayload(dstAddr uint16, clusterID uint16, zcl []byte) []byte {
	out := make([]byte, 0, 9+len(zcl))
	out = append(out, byte(dstAddr), byte(dstAddr>>8))
	out = append(out, coordinatorEndpoint) // dstEndpoint
	out = append(out, coordinatorEndpoint) // srcEndpoint
	out = append(out, byte(clusterID), byte(clusterID>>8))
	out = append(out, 0x00)       // transId
	out = append(out, 0x00)       // options
	out = append(out, 0x0F)       // radius
	out = append(out, byte(len(zcl)))
	out = append(out, zcl...)
	return out
}

func (c *Client) sendAFData(ctx context.Context, dstAddr, clusterID uint16, zcl []byte) error {
	payload := afDataRequestPayload(dstAddr, clusterID, zcl)
	req := Frame{Cmd0: Cmd0(TypeSREQ, SubsystemAF), Cmd1: afDataReq, Payload: payload}
	resp, err := c.SendAndWait(ctx, req, Cmd0(TypeSRSP, SubsystemAF), afDataReq, defaultReplyTimeout)
	if err != nil {
		return fmt.Errorf("mtz: af data request: %w", err)
	}
	if len(resp.Payload) < 1 || resp.Payload[0] != 0 {
		return fmt.Errorf("mtz: af data request: status %v", resp.Payload)
	}
	return nil
}

// ReadAttribute reads a single attribute over ZCL.
func (c *Client) ReadAttribute(ctx context.Context, dstAddr, clusterID, attrID uint16) error {
	seq := c.nextTxSeq()
	zcl := []byte{0x00, seq, 0x00, byte(attrID), byte(attrID >> 8)}
	return c.sendAFData(ctx, dstAddr, clusterID, zcl)
}

// ReadTemperature is a preset ReadAttribute for the Temperature Measurement
// cluster's MeasuredValue attribute.
func (c *Client) ReadTemperature(ctx context.Context, dstAddr uint16) error {
	return c.ReadAttribute(ctx, dstAddr, clusterTemperature, 0x0000)
}

// ReadHumidity is a preset ReadAttribute for the Relative Humidity
// cluster's MeasuredValue attribute.
func (c *Client) ReadHumidity(ctx context.Context, dstAddr uint16) error {
	return c.ReadAttribute(ctx, dstAddr, clusterHumidity, 0x0000)
}

// ConfigureReporting asks a device to start reporting an attribute
// automatically between minInterval and maxInterval seconds, or sooner if
// it changes by more than reportableChange.
func (c *Client) ConfigureReporting(ctx context.Context, dstAddr, clusterID, attrID uint16, dataType byte, minInterval, maxInterval, reportableChange uint16) error {
	seq := c.nextTxSeq()
	zcl := []byte{0x00, seq, 0x06}
	zcl = append(zcl, 0x00) // direction
	zcl = append(zcl, byte(attrID), byte(attrID>>8))
	zcl = append(zcl, dataType)
	zcl = append(zcl, byte(minInterval), byte(minInterval>>8))
	zcl = append(zcl, byte(maxInterval), byte(maxInterval>>8))
	zcl = append(zcl, byte(reportableChange), byte(reportableChange>>8))
	return c.sendAFData(ctx, dstAddr, clusterID, zcl)
}

// ReadReportingConfiguration reads back a device's current reporting
// configuration for one attribute.
func (c *Client) ReadReportingConfiguration(ctx context.Context, dstAddr, clusterID, attrID uint16) error {
	seq := c.nextTxSeq()
	zcl := []byte{0x00, seq, 0x08, 0x00, byte(attrID), byte(attrID >> 8)}
	return c.sendAFData(ctx, dstAddr, clusterID, zcl)
}
