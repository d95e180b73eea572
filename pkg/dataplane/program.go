package dataplane

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// Stack slots, relative to the frame pointer.
const (
	stackBackendKey = -2  // __u16 listen port
	stackCounterKey = -8  // __u32 reason
	stackValue      = -24 // struct backend_set, 16 bytes
	stackValueIndex = stackValue + 8
)

// Exit labels. Each one bumps its reason counter and returns its action.
const (
	lblRedirected = "redirected"
	lblNotIPv4    = "not_ipv4"
	lblNotUDP     = "not_udp"
	lblTruncated  = "truncated"
	lblNoBackend  = "no_backend"
	lblCursor     = "cursor_out_of_range"
	lblUpdate     = "update_failed"

	lblWrap  = "wrap_cursor"
	lblStore = "store_cursor"
)

type exitBlock struct {
	label  string
	reason redirect.Reason
	action int32
}

var exits = []exitBlock{
	{lblRedirected, redirect.ReasonRedirected, xdpPass},
	{lblNotIPv4, redirect.ReasonNotIPv4, xdpPass},
	{lblNotUDP, redirect.ReasonNotUDP, xdpPass},
	{lblTruncated, redirect.ReasonTruncated, xdpPass},
	{lblNoBackend, redirect.ReasonNoBackend, xdpPass},
	{lblCursor, redirect.ReasonCursorOutOfRange, xdpAborted},
	{lblUpdate, redirect.ReasonUpdateFailed, xdpAborted},
}

// programSpec returns the XDP load balancer program bound to the given map
// file descriptors.
func programSpec(backendsFD, countersFD int) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:         ProgName,
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: buildInstructions(backendsFD, countersFD),
	}
}

// buildInstructions assembles the redirector. Register use:
//
//	r2 data, r3 data_end (until the first helper call)
//	r6 listen port, host order
//	r7 UDP header
//	r8 map value (struct backend_set *)
//	r9 cursor
func buildInstructions(backendsFD, countersFD int) asm.Instructions {
	const (
		ethLen  = redirect.EthHdrLen
		ipMin   = redirect.IPv4MinHdrLen
		udpLen  = redirect.UDPHdrLen
		lastIdx = rotation.Capacity - 1
	)

	insns := asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, 0, asm.Word), // ctx->data
		asm.LoadMem(asm.R3, asm.R1, 4, asm.Word), // ctx->data_end

		// Ethernet.
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, ethLen),
		asm.JGT.Reg(asm.R4, asm.R3, lblTruncated),
		asm.LoadMem(asm.R5, asm.R2, 12, asm.Half),
		asm.HostTo(asm.BE, asm.R5, asm.Half),
		asm.JNE.Imm(asm.R5, redirect.EthTypeIPv4, lblNotIPv4),

		// IPv4 fixed header.
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, ethLen+ipMin),
		asm.JGT.Reg(asm.R4, asm.R3, lblTruncated),
		asm.LoadMem(asm.R5, asm.R2, ethLen+9, asm.Byte),
		asm.JNE.Imm(asm.R5, redirect.ProtoUDP, lblNotUDP),
		asm.LoadMem(asm.R5, asm.R2, ethLen, asm.Byte),
		asm.And.Imm(asm.R5, 0x0f),
		asm.LSh.Imm(asm.R5, 2),
		asm.JLT.Imm(asm.R5, ipMin, lblTruncated),

		// UDP header at 14 + IHL*4.
		asm.Mov.Reg(asm.R7, asm.R2),
		asm.Add.Imm(asm.R7, ethLen),
		asm.Add.Reg(asm.R7, asm.R5),
		asm.Mov.Reg(asm.R4, asm.R7),
		asm.Add.Imm(asm.R4, udpLen),
		asm.JGT.Reg(asm.R4, asm.R3, lblTruncated),
		asm.LoadMem(asm.R6, asm.R7, 2, asm.Half),
		asm.HostTo(asm.BE, asm.R6, asm.Half),

		// r0 = bpf_map_lookup_elem(&backend_ports, &dport)
		asm.StoreMem(asm.RFP, stackBackendKey, asm.R6, asm.Half),
		asm.LoadMapPtr(asm.R1, backendsFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackBackendKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, lblNoBackend),
		asm.Mov.Reg(asm.R8, asm.R0),

		asm.LoadMem(asm.R9, asm.R8, 8, asm.DWord),
		asm.JGT.Imm(asm.R9, lastIdx, lblCursor),

		// udp->dest = htons(ports[cursor])
		asm.Mov.Reg(asm.R1, asm.R9),
		asm.LSh.Imm(asm.R1, 1),
		asm.Add.Reg(asm.R1, asm.R8),
		asm.LoadMem(asm.R2, asm.R1, 0, asm.Half),
		asm.HostTo(asm.BE, asm.R2, asm.Half),
		asm.StoreMem(asm.R7, 2, asm.R2, asm.Half),

		// cursor++, back to 0 past the last slot or on a sentinel.
		asm.Add.Imm(asm.R9, 1),
		asm.JGT.Imm(asm.R9, lastIdx, lblWrap),
		asm.Mov.Reg(asm.R1, asm.R9),
		asm.LSh.Imm(asm.R1, 1),
		asm.Add.Reg(asm.R1, asm.R8),
		asm.LoadMem(asm.R2, asm.R1, 0, asm.Half),
		asm.JNE.Imm(asm.R2, int32(rotation.Sentinel), lblStore),
		asm.Mov.Imm(asm.R9, 0).WithSymbol(lblWrap),

		// bpf_map_update_elem(&backend_ports, &dport, &next, BPF_ANY)
		asm.LoadMem(asm.R1, asm.R8, 0, asm.DWord).WithSymbol(lblStore),
		asm.StoreMem(asm.RFP, stackValue, asm.R1, asm.DWord),
		asm.StoreMem(asm.RFP, stackValueIndex, asm.R9, asm.DWord),
		asm.LoadMapPtr(asm.R1, backendsFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackBackendKey),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, stackValue),
		asm.Mov.Imm(asm.R4, int32(ebpf.UpdateAny)),
		asm.FnMapUpdateElem.Call(),
		asm.JNE.Imm(asm.R0, 0, lblUpdate),
		// Falls through into the redirected exit.
	}

	for _, e := range exits {
		insns = append(insns, exitInstructions(e, countersFD)...)
	}
	return insns
}

// exitInstructions bumps lb_counters[e.reason] on this CPU and returns
// e.action.
func exitInstructions(e exitBlock, countersFD int) asm.Instructions {
	ret := e.label + "_ret"
	return asm.Instructions{
		asm.StoreImm(asm.RFP, stackCounterKey, int64(e.reason), asm.Word).WithSymbol(e.label),
		asm.LoadMapPtr(asm.R1, countersFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackCounterKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, ret),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, e.action).WithSymbol(ret),
		asm.Return(),
	}
}
