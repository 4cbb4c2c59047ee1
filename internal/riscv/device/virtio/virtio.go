// Package virtio implements the VirtIO-MMIO (version 2) transport register
// file and split-virtqueue descriptor/avail/used-ring mechanics needed to
// carry a 9P filesystem channel between guest and host. The 9P protocol
// message layer itself is out of scope (internal/ninep.FileServer is the
// collaborator boundary); this package only walks queues and raises
// interrupts, grounded on the queue-walking shape of a second reference
// VirtIO implementation in the example pack (its avail/used-ring and
// descriptor-chain read/write-size computation), adapted to the standard
// MMIO v2 register layout instead of that implementation's own ad hoc one.
package virtio

import (
	"github.com/tinyrange/riscv-vm/internal/ninep"
	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/device/plic"
)

const Size uint64 = 0x1000

// MMIO v2 register offsets.
const (
	RegMagicValue        = 0x000
	RegVersion            = 0x004
	RegDeviceID           = 0x008
	RegVendorID           = 0x00c
	RegDeviceFeatures     = 0x010
	RegDeviceFeaturesSel  = 0x014
	RegDriverFeatures     = 0x020
	RegDriverFeaturesSel  = 0x024
	RegQueueSel           = 0x030
	RegQueueNumMax        = 0x034
	RegQueueNum           = 0x038
	RegQueueReady         = 0x044
	RegQueueNotify        = 0x050
	RegInterruptStatus    = 0x060
	RegInterruptACK       = 0x064
	RegStatus             = 0x070
	RegQueueDescLow       = 0x080
	RegQueueDescHigh      = 0x084
	RegQueueDriverLow     = 0x090
	RegQueueDriverHigh    = 0x094
	RegQueueDeviceLow     = 0x0a0
	RegQueueDeviceHigh    = 0x0a4
	RegConfigGeneration   = 0x0fc
	RegConfigBase         = 0x100
)

const MagicValue = 0x74726976 // "virt"
const Version = 2
const VendorID = 0x554D4551

// DeviceID9P is VIRTIO_ID_9P.
const DeviceID9P = 9

// Descriptor flag bits.
const (
	DescFNext     = 1
	DescFWrite    = 2
	DescFIndirect = 4
)

const queueNumMax = 256

type queue struct {
	num          uint32
	ready        uint32
	descAddr     uint64
	driverAddr   uint64 // avail ring
	deviceAddr   uint64 // used ring
	lastAvailIdx uint16
}

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// MMIO is a single VirtIO-MMIO transport carrying one backing FileServer
// (normally 9P).
type MMIO struct {
	Bus   *bus.Bus
	PLIC  *plic.PLIC
	IRQ   uint32
	Tag   string
	Fs    ninep.FileServer

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    [2]uint32
	queueSel          uint32
	queues            [1]queue
	status            uint32
	interruptStatus   uint32
}

// New builds a VirtIO-MMIO 9P transport. fs may be ninep.NotImplementedServer{}
// to exercise the transport without a real filesystem.
func New(b *bus.Bus, p *plic.PLIC, irq uint32, tag string, fs ninep.FileServer) *MMIO {
	return &MMIO{Bus: b, PLIC: p, IRQ: irq, Tag: tag, Fs: fs}
}

func (v *MMIO) Size() uint64 { return Size }

func (v *MMIO) Read(offset uint64, size int) (uint64, error) {
	switch offset {
	case RegMagicValue:
		return MagicValue, nil
	case RegVersion:
		return Version, nil
	case RegDeviceID:
		return DeviceID9P, nil
	case RegVendorID:
		return VendorID, nil
	case RegDeviceFeatures:
		// VIRTIO_F_VERSION_1 (bit 32) advertised via the high features word.
		if v.deviceFeaturesSel == 1 {
			return 1, nil
		}
		return 0, nil
	case RegQueueNumMax:
		return queueNumMax, nil
	case RegQueueReady:
		return uint64(v.currentQueue().ready), nil
	case RegInterruptStatus:
		return uint64(v.interruptStatus), nil
	case RegStatus:
		return uint64(v.status), nil
	case RegConfigGeneration:
		return 0, nil
	default:
		if offset >= RegConfigBase {
			return v.readConfig(offset - RegConfigBase, size)
		}
	}
	return 0, nil
}

func (v *MMIO) readConfig(off uint64, size int) (uint64, error) {
	// 9P config space: a little-endian u16 tag length followed by the tag
	// bytes, matching the virtio-9p device-specific config layout.
	buf := make([]byte, 2+len(v.Tag))
	bus.Endian.PutUint16(buf, uint16(len(v.Tag)))
	copy(buf[2:], v.Tag)
	if int(off)+size > len(buf) {
		return 0, nil
	}
	var val uint64
	for i := 0; i < size; i++ {
		val |= uint64(buf[int(off)+i]) << (8 * i)
	}
	return val, nil
}

func (v *MMIO) currentQueue() *queue {
	if int(v.queueSel) >= len(v.queues) {
		return &queue{}
	}
	return &v.queues[v.queueSel]
}

func (v *MMIO) Write(offset uint64, size int, value uint64) error {
	switch offset {
	case RegDeviceFeaturesSel:
		v.deviceFeaturesSel = uint32(value)
	case RegDriverFeatures:
		if int(v.driverFeaturesSel) < len(v.driverFeatures) {
			v.driverFeatures[v.driverFeaturesSel] = uint32(value)
		}
	case RegDriverFeaturesSel:
		v.driverFeaturesSel = uint32(value)
	case RegQueueSel:
		v.queueSel = uint32(value)
	case RegQueueNum:
		v.currentQueue().num = uint32(value)
	case RegQueueReady:
		v.currentQueue().ready = uint32(value)
	case RegQueueDescLow:
		q := v.currentQueue()
		q.descAddr = (q.descAddr &^ 0xffffffff) | value
	case RegQueueDescHigh:
		q := v.currentQueue()
		q.descAddr = (q.descAddr &^ (0xffffffff << 32)) | (value << 32)
	case RegQueueDriverLow:
		q := v.currentQueue()
		q.driverAddr = (q.driverAddr &^ 0xffffffff) | value
	case RegQueueDriverHigh:
		q := v.currentQueue()
		q.driverAddr = (q.driverAddr &^ (0xffffffff << 32)) | (value << 32)
	case RegQueueDeviceLow:
		q := v.currentQueue()
		q.deviceAddr = (q.deviceAddr &^ 0xffffffff) | value
	case RegQueueDeviceHigh:
		q := v.currentQueue()
		q.deviceAddr = (q.deviceAddr &^ (0xffffffff << 32)) | (value << 32)
	case RegQueueNotify:
		v.notify(uint32(value))
	case RegInterruptACK:
		v.interruptStatus &^= uint32(value)
	case RegStatus:
		v.status = uint32(value)
		if v.status == 0 {
			v.reset()
		}
	}
	return nil
}

func (v *MMIO) reset() {
	for i := range v.queues {
		v.queues[i] = queue{}
	}
	v.interruptStatus = 0
	v.PLIC.SetPending(v.IRQ, false)
}

func (v *MMIO) readU16(addr uint64) (uint16, error) {
	val, err := v.Bus.Read16(addr)
	return val, err
}

func (v *MMIO) writeU16(addr uint64, val uint16) error {
	return v.Bus.Write16(addr, val)
}

func (v *MMIO) getDescriptor(descAddr uint64, idx uint16) (descriptor, error) {
	base := descAddr + uint64(idx)*16
	addr, err := v.Bus.Read64(base)
	if err != nil {
		return descriptor{}, err
	}
	length, err := v.Bus.Read32(base + 8)
	if err != nil {
		return descriptor{}, err
	}
	flags, err := v.Bus.Read16(base + 12)
	if err != nil {
		return descriptor{}, err
	}
	next, err := v.Bus.Read16(base + 14)
	if err != nil {
		return descriptor{}, err
	}
	return descriptor{addr: addr, len: length, flags: flags, next: next}, nil
}

// readChain concatenates every readable descriptor in the chain starting
// at idx, stopping at the first write-only descriptor (which the 9P reply
// will be written into).
func (v *MMIO) readChain(descAddr uint64, idx uint16) ([]byte, uint16, bool, error) {
	var out []byte
	for {
		d, err := v.getDescriptor(descAddr, idx)
		if err != nil {
			return nil, 0, false, err
		}
		if d.flags&DescFWrite != 0 {
			return out, idx, true, nil
		}
		buf := make([]byte, d.len)
		for i := range buf {
			b, err := v.Bus.Read8(d.addr + uint64(i))
			if err != nil {
				return nil, 0, false, err
			}
			buf[i] = b
		}
		out = append(out, buf...)
		if d.flags&DescFNext == 0 {
			return out, 0, false, nil
		}
		idx = d.next
	}
}

func (v *MMIO) writeChain(descAddr uint64, idx uint16, data []byte) (uint32, error) {
	var written uint32
	for len(data) > 0 {
		d, err := v.getDescriptor(descAddr, idx)
		if err != nil {
			return written, err
		}
		n := uint32(len(data))
		if n > d.len {
			n = d.len
		}
		for i := uint32(0); i < n; i++ {
			if err := v.Bus.Write8(d.addr+uint64(i), data[i]); err != nil {
				return written, err
			}
		}
		written += n
		data = data[n:]
		if len(data) == 0 {
			break
		}
		if d.flags&DescFNext == 0 {
			break
		}
		idx = d.next
	}
	return written, nil
}

func (v *MMIO) consumeUsed(q *queue, headIdx uint16, writtenLen uint32) error {
	usedIdxAddr := q.deviceAddr + 2
	idx, err := v.readU16(usedIdxAddr)
	if err != nil {
		return err
	}
	entryAddr := q.deviceAddr + 4 + uint64(uint32(idx)&(q.num-1))*8
	if err := v.Bus.Write32(entryAddr, uint32(headIdx)); err != nil {
		return err
	}
	if err := v.Bus.Write32(entryAddr+4, writtenLen); err != nil {
		return err
	}
	return v.writeU16(usedIdxAddr, idx+1)
}

// notify drains every newly-available descriptor chain on the selected
// queue: reads the request bytes, hands them to the 9P collaborator,
// writes the reply into the write-only tail of the chain, publishes a used
// ring entry, and raises the VirtIO interrupt.
func (v *MMIO) notify(queueIdx uint32) error {
	if int(queueIdx) >= len(v.queues) {
		return nil
	}
	q := &v.queues[queueIdx]
	if q.ready == 0 || q.num == 0 {
		return nil
	}

	availIdx, err := v.readU16(q.driverAddr + 2)
	if err != nil {
		return err
	}

	for q.lastAvailIdx != availIdx {
		ringAddr := q.driverAddr + 4 + uint64(uint32(q.lastAvailIdx)&(q.num-1))*2
		head, err := v.readU16(ringAddr)
		if err != nil {
			return err
		}

		req, writeIdx, hasWriteTail, err := v.readChain(q.descAddr, head)
		if err != nil {
			return err
		}

		var written uint32
		if hasWriteTail {
			resp, ferr := v.Fs.HandleMessage(req)
			if ferr == nil {
				written, err = v.writeChain(q.descAddr, writeIdx, resp)
				if err != nil {
					return err
				}
			}
		}

		if err := v.consumeUsed(q, head, written); err != nil {
			return err
		}
		q.lastAvailIdx++
	}

	v.interruptStatus |= 1
	v.PLIC.SetPending(v.IRQ, true)
	return nil
}

// State is the VirtIO-MMIO transport's serializable state, for snapshot
// capture/restore. The 9P filesystem backing the transport (v.Fs) is a
// host-side collaborator, not emulated guest state, and is reattached by
// the caller rather than captured here.
type State struct {
	DeviceFeaturesSel uint32
	DriverFeaturesSel uint32
	DriverFeatures    [2]uint32
	QueueSel          uint32
	Queues            [1]QueueState
	Status            uint32
	InterruptStatus   uint32
}

// QueueState is one virtqueue's part of State, with exported fields so
// encoding/binary can decode it.
type QueueState struct {
	Num, Ready                       uint32
	DescAddr, DriverAddr, DeviceAddr uint64
	LastAvailIdx                     uint16
}

func (v *MMIO) Snapshot() State {
	s := State{
		DeviceFeaturesSel: v.deviceFeaturesSel,
		DriverFeaturesSel: v.driverFeaturesSel,
		DriverFeatures:    v.driverFeatures,
		QueueSel:          v.queueSel,
		Status:            v.status,
		InterruptStatus:   v.interruptStatus,
	}
	for i, q := range v.queues {
		s.Queues[i] = QueueState{q.num, q.ready, q.descAddr, q.driverAddr, q.deviceAddr, q.lastAvailIdx}
	}
	return s
}

func (v *MMIO) Restore(s State) {
	v.deviceFeaturesSel = s.DeviceFeaturesSel
	v.driverFeaturesSel = s.DriverFeaturesSel
	v.driverFeatures = s.DriverFeatures
	v.queueSel = s.QueueSel
	for i, q := range s.Queues {
		v.queues[i] = queue{q.Num, q.Ready, q.DescAddr, q.DriverAddr, q.DeviceAddr, q.LastAvailIdx}
	}
	v.status = s.Status
	v.interruptStatus = s.InterruptStatus
}
