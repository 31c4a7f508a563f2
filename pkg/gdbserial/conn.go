package gdbserial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/oro-os/dbgutil/pkg/logflags"
)

const (
	gdbWireMaxLen = 120

	maxTransmitAttempts    = 3    // number of retransmission attempts on failed checksum
	initialInputBufferSize = 2048 // size of the input buffer for gdbConn
	defaultPacketSize      = 256
)

// ErrTooManyAttempts is returned when a packet could not be delivered
// without a checksum error.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error response (Exx) of the Gdb Remote Serial
// Protocol or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

// Unsupported reports whether the stub answered with an empty packet.
func (err *ProtocolError) Unsupported() bool {
	return err.code == ""
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *ProtocolError
	return errors.As(err, &gdberr) && gdberr.Unsupported()
}

// ErrTargetExited is returned when the stub reports that the target is
// gone (W or X stop packet).
type ErrTargetExited struct {
	Status int
}

func (err ErrTargetExited) Error() string {
	return fmt.Sprintf("target exited with status %d", err.Status)
}

// StopPacket is a decoded stop reply (T or S packet).
type StopPacket struct {
	Signal   uint8
	ThreadID string
	Reason   string
}

type gdbConn struct {
	rw  io.ReadWriter
	rdr *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int // maximum packet size supported by stub

	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read

	log *logrus.Entry
}

func newConn(rw io.ReadWriter) *gdbConn {
	return &gdbConn{
		rw:                  rw,
		rdr:                 bufio.NewReader(rw),
		inbuf:               make([]byte, 0, initialInputBufferSize),
		packetSize:          defaultPacketSize,
		ack:                 true,
		maxTransmitAttempts: maxTransmitAttempts,
		log:                 logflags.GdbWireLogger(),
	}
}

func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.packetSize = defaultPacketSize

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}

	if _, err := conn.qSupported(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}
	return nil
}

func (conn *gdbConn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte("$qSupported:swbreak+;hwbreak+;no-resumed+"), "init/qSupported")
	if err != nil {
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// detach executes a 'D' (detach) command.
func (conn *gdbConn) detach() error {
	_, err := conn.exec([]byte{'$', 'D'}, "detach")
	return err
}

// stopReason executes a '?' command.
func (conn *gdbConn) stopReason() (StopPacket, error) {
	resp, err := conn.exec([]byte{'$', '?'}, "stop reason")
	if err != nil {
		return StopPacket{}, err
	}
	return conn.parseStopPacket(resp)
}

// readRegisters executes a 'g' (read registers) command.
func (conn *gdbConn) readRegisters() ([]byte, error) {
	resp, err := conn.exec([]byte{'$', 'g'}, "registers read")
	if err != nil {
		return nil, err
	}
	return hexdecode(resp), nil
}

// readMemory executes 'm' (read memory) commands, splitting the request so
// that replies fit in the stub's packet size.
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != sz*2 {
			return fmt.Errorf("short memory read at %#x: got %d bytes, want %d", addr+uint64(len(data)), len(resp)/2, sz)
		}
		data = append(data, hexdecode(resp)...)
	}
	return nil
}

// step executes a 's' (single step) command and waits for the stop reply.
func (conn *gdbConn) step() (StopPacket, error) {
	if err := conn.send([]byte{'$', 's'}); err != nil {
		return StopPacket{}, err
	}
	for {
		resp, err := conn.recv([]byte{'$', 's'}, "singlestep")
		if err != nil {
			return StopPacket{}, err
		}
		if resp[0] == 'O' {
			// console output from the stub
			conn.log.Debugf("stub output: %s", hexdecode(resp[1:]))
			continue
		}
		return conn.parseStopPacket(resp)
	}
}

func (conn *gdbConn) parseStopPacket(resp []byte) (sp StopPacket, err error) {
	switch resp[0] {
	case 'T', 'S':
		if len(resp) < 3 {
			return StopPacket{}, fmt.Errorf("malformed stop packet: %s", string(resp))
		}

		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return StopPacket{}, fmt.Errorf("malformed stop packet: %s", string(resp))
		}
		sp.Signal = uint8(sig)

		buf := resp[3:]
		for buf != nil {
			colon := bytes.Index(buf, []byte{':'})
			if colon < 0 {
				break
			}
			key := buf[:colon]
			buf = buf[colon+1:]

			semicolon := bytes.Index(buf, []byte{';'})
			var value []byte
			if semicolon < 0 {
				value = buf
				buf = nil
			} else {
				value = buf[:semicolon]
				buf = buf[semicolon+1:]
			}

			switch string(key) {
			case "thread":
				sp.ThreadID = string(value)
			case "reason":
				sp.Reason = string(value)
			}
		}
		return sp, nil

	case 'W', 'X':
		// process exited, next two character are exit code
		semicolon := bytes.Index(resp, []byte{';'})
		if semicolon < 0 {
			semicolon = len(resp)
		}
		status, _ := strconv.ParseUint(string(resp[1:semicolon]), 16, 8)
		return StopPacket{}, ErrTargetExited{Status: int(status)}

	default:
		return StopPacket{}, fmt.Errorf("unexpected stop packet %c", resp[0])
	}
}

func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *gdbConn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd[:len(cmd):len(cmd)], '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.rw.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *gdbConn) recv(cmd []byte, context string) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		// skip stray acks in front of the packet
		if start := bytes.IndexAny(resp, "$%"); start > 0 {
			resp = resp[start:]
		}

		// read checksum
		conn.inbuf = conn.inbuf[:2]
		_, err = io.ReadFull(conn.rdr, conn.inbuf)
		if err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			if len(resp) > gdbWireMaxLen {
				conn.log.Debugf("-> %s...", string(resp[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("-> %s%s", string(resp), string(conn.inbuf[:2]))
			}
		}

		if resp[0] == '%' {
			// notification packet, we never asked for them
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, conn.inbuf[:2]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || resp[0] == 'E' {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &ProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *gdbConn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.rw.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value mandated by the specification to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case ':':
			buf = append(buf, ch)
			if i == 3 {
				// we just read the sequence identifier
				start = i + 1
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || i == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}

// hexdecode decodes pairs of hex digits, an odd trailing digit or an
// 'x' (unavailable) pair decodes as zero.
func hexdecode(in []byte) []byte {
	out := make([]byte, 0, len(in)/2)
	for i := 0; i+1 < len(in); i += 2 {
		n, _ := strconv.ParseUint(string(in[i:i+2]), 16, 8)
		out = append(out, uint8(n))
	}
	return out
}
