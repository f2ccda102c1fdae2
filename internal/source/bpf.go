package source

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// compileBPF turns a tcpdump expression into raw classic BPF for linkType.
func compileBPF(linkType layers.LinkType, snapLen int, filter string) ([]bpf.RawInstruction, error) {
	insns, err := pcap.CompileBPFFilter(linkType, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("compile BPF filter %q: %w", filter, err)
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, ins := range insns {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}

// userFilter runs classic BPF in user space, for sources without a kernel
// socket to attach the program to.
type userFilter struct {
	vm *bpf.VM
}

func newUserFilter(linkType layers.LinkType, snapLen int, expr string) (*userFilter, error) {
	raw, err := compileBPF(linkType, snapLen, expr)
	if err != nil {
		return nil, err
	}
	insns := make([]bpf.Instruction, len(raw))
	for i, r := range raw {
		insns[i] = r.Disassemble()
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("load BPF filter %q: %w", expr, err)
	}
	return &userFilter{vm: vm}, nil
}

// match reports whether the program accepts the frame.
func (f *userFilter) match(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
