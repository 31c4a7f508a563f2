// Package gdbtest provides a fake gdb stub for tests.
package gdbtest

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Stub is a gdb stub serving a single halted x86_64 vCPU with a flat
// memory region. It understands the packets gdbserial.Client sends.
type Stub struct {
	l net.Listener

	mu       sync.Mutex
	regs     []byte
	memBase  uint64
	mem      []byte
	steps    int
	detached bool

	wg sync.WaitGroup
}

// RegsSize is the size of the register file served by the stub: the
// core and system registers of the QEMU x86_64 layout.
const RegsSize = 17*8 + 4 + 6*4 + 9*8

const ripOffset = 16 * 8

// Listen creates the socket at path and starts serving. The vCPU starts
// at pc with memory mapped at memBase.
func Listen(path string, pc, memBase uint64, mem []byte) (*Stub, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s := &Stub{
		l:       l,
		regs:    make([]byte, RegsSize),
		memBase: memBase,
		mem:     mem,
	}
	binary.LittleEndian.PutUint64(s.regs[ripOffset:], pc)
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// SetRegister writes the 8 byte general purpose register at index n
// (0 is rax, 16 is rip).
func (s *Stub) SetRegister(n int, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint64(s.regs[n*8:], v)
}

// Steps returns how many single steps were executed.
func (s *Stub) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Detached reports whether a client sent the detach packet.
func (s *Stub) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Close stops listening and waits for the connections to be closed by
// their clients.
func (s *Stub) Close() error {
	err := s.l.Close()
	s.wg.Wait()
	return err
}

func (s *Stub) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *Stub) serve(conn net.Conn) {
	rdr := bufio.NewReader(conn)
	ack := true
	for {
		b, err := rdr.ReadByte()
		if err != nil {
			return
		}
		if b != '$' {
			// acks, nacks and interrupts
			continue
		}
		pkt, err := rdr.ReadString('#')
		if err != nil {
			return
		}
		pkt = strings.TrimSuffix(pkt, "#")
		if _, err := rdr.Discard(2); err != nil {
			return
		}
		if ack {
			conn.Write([]byte{'+'})
		}

		reply, done := s.handle(pkt)
		sum := uint8(0)
		for i := 0; i < len(reply); i++ {
			sum += reply[i]
		}
		fmt.Fprintf(conn, "$%s#%02x", reply, sum)
		if pkt == "QStartNoAckMode" {
			ack = false
		}
		if done {
			return
		}
	}
}

func (s *Stub) handle(pkt string) (reply string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case pkt == "QStartNoAckMode":
		return "OK", false
	case strings.HasPrefix(pkt, "qSupported"):
		return "PacketSize=1000;swbreak+;hwbreak+", false
	case pkt == "?":
		return "T05thread:01;", false
	case pkt == "g":
		return hex.EncodeToString(s.regs), false
	case pkt == "s":
		s.steps++
		pc := binary.LittleEndian.Uint64(s.regs[ripOffset:])
		binary.LittleEndian.PutUint64(s.regs[ripOffset:], pc+1)
		return "T05thread:01;", false
	case pkt == "D":
		s.detached = true
		return "OK", true
	case strings.HasPrefix(pkt, "m"):
		return s.readMemory(pkt[1:]), false
	}
	return "", false
}

func (s *Stub) readMemory(args string) string {
	fields := strings.SplitN(args, ",", 2)
	if len(fields) != 2 {
		return "E01"
	}
	addr, err1 := strconv.ParseUint(fields[0], 16, 64)
	n, err2 := strconv.ParseUint(fields[1], 16, 64)
	if err1 != nil || err2 != nil {
		return "E01"
	}
	if addr < s.memBase || addr+n > s.memBase+uint64(len(s.mem)) {
		return "E14"
	}
	off := addr - s.memBase
	return hex.EncodeToString(s.mem[off : off+n])
}
