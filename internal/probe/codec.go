package probe

import "bytes"

var atRequest = []byte("AT\r")

// atReply reports whether buf holds a final AT result code. Any final result
// code, including an error, proves the port speaks AT.
func atReply(buf []byte) (ok, done bool) {
	for _, line := range bytes.FieldsFunc(buf, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.Equal(line, []byte("OK")),
			bytes.Equal(line, []byte("ERROR")),
			bytes.HasPrefix(line, []byte("+CME ERROR")),
			bytes.HasPrefix(line, []byte("+CMS ERROR")):
			return true, true
		}
	}
	return false, false
}

// HDLC-like framing used by QCDM.
const (
	hdlcFlag   = 0x7e
	hdlcEscape = 0x7d
	hdlcXor    = 0x20

	qcdmCmdVersionInfo = 0x00
)

// crc16 is the reflected CCITT checksum QCDM frames carry.
func crc16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// qcdmFrame escapes payload plus checksum and appends the terminating flag.
func qcdmFrame(payload []byte) []byte {
	crc := crc16(payload)
	raw := append(append([]byte{}, payload...), byte(crc), byte(crc>>8))
	out := make([]byte, 0, len(raw)+4)
	for _, b := range raw {
		if b == hdlcFlag || b == hdlcEscape {
			out = append(out, hdlcEscape, b^hdlcXor)
			continue
		}
		out = append(out, b)
	}
	return append(out, hdlcFlag)
}

// qcdmUnframe reverses qcdmFrame. It returns false when the checksum does not
// match or the frame is empty.
func qcdmUnframe(frame []byte) ([]byte, bool) {
	frame = bytes.TrimSuffix(frame, []byte{hdlcFlag})
	raw := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); i++ {
		b := frame[i]
		if b == hdlcEscape && i+1 < len(frame) {
			i++
			b = frame[i] ^ hdlcXor
		}
		raw = append(raw, b)
	}
	if len(raw) < 3 {
		return nil, false
	}
	payload := raw[:len(raw)-2]
	got := uint16(raw[len(raw)-2]) | uint16(raw[len(raw)-1])<<8
	return payload, got == crc16(payload)
}

func qcdmVersionRequest() []byte {
	return qcdmFrame([]byte{qcdmCmdVersionInfo})
}

// qcdmReply waits for one terminated frame. Any well-formed frame proves the
// port speaks QCDM, even one rejecting the command.
func qcdmReply(buf []byte) (ok, done bool) {
	// Leading flags sometimes precede the reply.
	buf = bytes.TrimLeft(buf, string([]byte{hdlcFlag}))
	i := bytes.IndexByte(buf, hdlcFlag)
	if i < 0 {
		return false, false
	}
	_, valid := qcdmUnframe(buf[:i+1])
	return valid, true
}
