// Package tip implements the Terminal Interface Protocol: TCB allocation,
// FN/FV parameter parsing, per-class terminal defaults, and dispatch of
// received blocks to the owning protocol module by tipType.
package tip

import (
	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

// FN identifies an FN/FV terminal-parameter function code.
type FN uint8

// Terminal-parameter function codes. Values follow the order the CDC NPU
// reference manual lists them in; the filtered original source does not
// carry the parameter table, so these are a deliberate, documented
// assignment rather than a transcription.
const (
	FNDeviceType    FN = 0x01
	FNPageWidth     FN = 0x02
	FNPageLength    FN = 0x03
	FNEchoplex      FN = 0x04
	FNEOLCursorPos  FN = 0x05
	FNUserBreak1    FN = 0x06
	FNUserBreak2    FN = 0x07
	FNBlockFactor   FN = 0x08
	FNUplineBlkSize FN = 0x09
	FNDownBlkSize   FN = 0x0a
	FNOutputTimeout FN = 0x0b
	FNFullASCII     FN = 0x0c
	FNTransparent   FN = 0x0d
	FNSpecialEdit   FN = 0x0e
	FNTipType       FN = 0x0f
)

// ClassDefaults holds the canned terminal parameters applied before FN/FV
// overrides are layered on, one entry per DeviceType.
var ClassDefaults = map[npu.DeviceType]npu.TerminalParams{
	npu.DeviceConsole: {
		PageWidth: 80, PageLength: 24, Echoplex: true, EOLCursorPos: npu.EOLCR,
		BlockFactor: 2, UplineBlockSize: 200, DownBlockSize: 200, OutputTimeout: 30,
	},
	npu.DevicePrinter: {
		PageWidth: 132, PageLength: 66, EOLCursorPos: npu.EOLCRLF,
		BlockFactor: 4, UplineBlockSize: 400, DownBlockSize: 400, OutputTimeout: 30,
	},
	npu.DeviceCardReader: {
		BlockFactor: 4, UplineBlockSize: 400, DownBlockSize: 400, OutputTimeout: 30,
	},
	npu.DeviceCardPunch: {
		BlockFactor: 4, UplineBlockSize: 400, DownBlockSize: 400, OutputTimeout: 30,
	},
	npu.DeviceBatch: {
		PageWidth: 132, PageLength: 66, EOLCursorPos: npu.EOLCRLF,
		BlockFactor: 4, UplineBlockSize: 400, DownBlockSize: 400, OutputTimeout: 30,
	},
}

// ParseFNFV decodes a trailing FN/FV byte-pair stream into params, starting
// from base. Unknown FN codes are skipped (one FV byte consumed), matching
// the host's ability to send new parameters an older NPU doesn't recognize.
func ParseFNFV(base npu.TerminalParams, fnfv []byte) npu.TerminalParams {
	p := base
	for i := 0; i+1 < len(fnfv); i += 2 {
		fn := FN(fnfv[i])
		fv := fnfv[i+1]
		switch fn {
		case FNDeviceType:
			// device type is resolved by the caller from the CLA-port
			// registration, not overridden here.
		case FNPageWidth:
			p.PageWidth = int(fv)
		case FNPageLength:
			p.PageLength = int(fv)
		case FNEchoplex:
			p.Echoplex = fv != 0
		case FNEOLCursorPos:
			p.EOLCursorPos = npu.EOLCursorPos(fv)
		case FNUserBreak1:
			p.UserBreak1 = fv
		case FNUserBreak2:
			p.UserBreak2 = fv
		case FNBlockFactor:
			p.BlockFactor = int(fv)
		case FNUplineBlkSize:
			p.UplineBlockSize = int(fv)
		case FNDownBlkSize:
			p.DownBlockSize = int(fv)
		case FNOutputTimeout:
			p.OutputTimeout = int(fv)
		case FNFullASCII:
			p.FullASCII = fv != 0
		case FNTransparent:
			p.Transparent = fv != 0
		case FNSpecialEdit:
			p.SpecialEdit = fv != 0
		case FNTipType:
			// tipType is resolved by the caller (it changes which
			// protocol module owns the TCB, not just a param value).
		default:
			logrus.Debugf("tip: unrecognized FN code %#x, skipping", fn)
		}
	}
	return p
}

// TipTypeFromFNFV scans fnfv for an explicit FNTipType override, returning
// fallback if none is present.
func TipTypeFromFNFV(fnfv []byte, fallback npu.TipType) npu.TipType {
	for i := 0; i+1 < len(fnfv); i += 2 {
		if FN(fnfv[i]) == FNTipType {
			return npu.TipType(fnfv[i+1])
		}
	}
	return fallback
}

// Module is implemented by each protocol module (async/HASP/NJE) to receive
// dispatched blocks and connection lifecycle notifications keyed by
// tipType/§4.5.
type Module interface {
	NotifyConnect(tcb *npu.TCB)
	NotifyDisconnect(tcb *npu.TCB)
	ProcessUplineData(tcb *npu.TCB, buf *bufpool.Buffer)
	NotifyBlockAck(tcb *npu.TCB)
}

// Uplink is implemented by the top-level wiring to emit upline blocks via
// BIP on TIP's behalf.
type Uplink interface {
	SendUpline(buf *bufpool.Buffer)
}

// TIP owns the TCB table operations and the tipType dispatch table.
type TIP struct {
	core    *npu.Core
	uplink  Uplink
	modules map[npu.TipType]Module
}

// New constructs a TIP instance. Register modules with RegisterModule before
// dispatching any traffic.
func New(core *npu.Core, uplink Uplink) *TIP {
	return &TIP{core: core, uplink: uplink, modules: make(map[npu.TipType]Module)}
}

// RegisterModule binds a protocol module to the tipType it owns.
func (t *TIP) RegisterModule(tt npu.TipType, m Module) {
	t.modules[tt] = m
}

func (t *TIP) moduleFor(tcb *npu.TCB) Module {
	m := t.modules[tcb.TipType]
	if m == nil {
		logrus.Warnf("tip: no module registered for tipType %v (cn=%d)", tcb.TipType, tcb.CN)
	}
	return m
}

// NotifyHostConnected forwards the connect notification to the owning
// module. It satisfies svm.TIPNotifier.
func (t *TIP) NotifyHostConnected(tcb *npu.TCB) {
	if m := t.moduleFor(tcb); m != nil {
		m.NotifyConnect(tcb)
	}
}

// NotifyDisconnect forwards a disconnect notification to the owning module
// and releases the TCB's assembly buffer. It satisfies svm.TIPNotifier.
func (t *TIP) NotifyDisconnect(tcb *npu.TCB) {
	if m := t.moduleFor(tcb); m != nil {
		m.NotifyDisconnect(tcb)
	}
	tcb.ReleaseAssembly()
}

// FreeTCB releases tcb from the core's TCB table. It satisfies
// svm.TIPNotifier.
func (t *TIP) FreeTCB(tcb *npu.TCB) {
	t.core.FreeTCB(tcb.CN)
}

// ApplyClassDefaults loads device-class defaults into tcb.Params, layers
// FN/FV overrides on top, and resolves tipType. It satisfies
// svm.TIPNotifier.
func (t *TIP) ApplyClassDefaults(tcb *npu.TCB, fnfv []byte) {
	base := ClassDefaults[tcb.Device]
	tcb.Params = ParseFNFV(base, fnfv)
	tcb.TipType = TipTypeFromFNFV(fnfv, tcb.TipType)
}

// ProcessBlock dispatches a downline data block to the TCB's owning module,
// releasing buf if the TCB or module is unknown.
func (t *TIP) ProcessBlock(buf *bufpool.Buffer) {
	data := buf.Bytes()
	if len(data) < block.HeaderLen {
		t.core.Pool.Release(buf)
		return
	}
	hdr := block.Decode(data)
	tcb := t.core.LookupTCB(hdr.CN)
	if tcb == nil {
		logrus.Warnf("tip: downline block for unknown cn=%d, discarding", hdr.CN)
		t.core.Pool.Release(buf)
		return
	}
	if hdr.BT == block.TypeBAck {
		if m := t.moduleFor(tcb); m != nil {
			m.NotifyBlockAck(tcb)
		}
		t.core.Pool.Release(buf)
		return
	}
	if m := t.moduleFor(tcb); m != nil {
		m.ProcessUplineData(tcb, buf)
		return
	}
	t.core.Pool.Release(buf)
}

// SendUpline constructs and emits an upline data block of type bt carrying
// payload for the given TCB, tagging it with the TCB's next block sequence
// number/§4.4.
func (t *TIP) SendUpline(tcb *npu.TCB, bt block.Type, payload []byte) {
	buf := t.core.Pool.Get()
	hdr := block.Header{CN: tcb.CN, BT: bt, BSN: tcb.UplineBSN}
	block.Encode(buf.Data[:block.HeaderLen], hdr)
	n := copy(buf.Data[block.HeaderLen:], payload)
	buf.Count = block.HeaderLen + n
	tcb.UplineBSN = (tcb.UplineBSN + 1) & 0x07
	t.uplink.SendUpline(buf)
}

// FlushAssembly drains tcb's input assembly buffer and emits it upline as
// bt (BlkHTBLK on bound overflow, BlkHTMSG on EOL).
func (t *TIP) FlushAssembly(tcb *npu.TCB, bt block.Type) {
	if tcb.InputLen() == 0 {
		return
	}
	payload := tcb.DrainInput()
	t.SendUpline(tcb, bt, payload)
}

// FeedInput appends a byte to tcb's assembly buffer and flushes upline when
// the configured bound is reached or an EOL byte is seen.
func (t *TIP) FeedInput(tcb *npu.TCB, b byte, isEOL bool) {
	boundReached, eol := tcb.AppendInput(b, isEOL)
	switch {
	case eol:
		t.FlushAssembly(tcb, block.TypeMsg)
	case boundReached:
		t.FlushAssembly(tcb, block.TypeBlk)
	}
}
