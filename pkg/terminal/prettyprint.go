package terminal

import (
	"fmt"
	"strconv"
	"strings"
)

// examineRowBytes is the number of bytes shown on each row of examinemem
// output, binary output uses half of it.
const examineRowBytes = 16

// prettyExamineMemory formats memArea, read at address, as rows of little
// endian items of size bytes printed in format ('b', 'o', 'd' or 'x').
// Every row starts with the full 64 bit guest address and ends with the
// printable ASCII characters of its bytes.
func prettyExamineMemory(address uint64, memArea []byte, format byte, size int) string {
	var (
		itemFmt  string
		width    int
		rowBytes = examineRowBytes
	)
	switch format {
	case 'x':
		itemFmt, width = "%0*x", size*2
	case 'o':
		itemFmt, width = "%0*o", (size*8+2)/3
	case 'd':
		itemFmt, width = "%*d", len(strconv.FormatUint(^uint64(0)>>(64-8*size), 10))
	case 'b':
		itemFmt, width = "%0*b", size*8
		rowBytes /= 2
	default:
		return fmt.Sprintf("not supported format %q\n", string(format))
	}
	rowBytes -= rowBytes % size
	itemsWidth := (rowBytes / size) * (width + 1)

	var b strings.Builder
	for off := 0; off+size <= len(memArea); off += rowBytes {
		end := off + rowBytes
		if end > len(memArea) {
			end = len(memArea)
		}
		row := memArea[off:end]

		fmt.Fprintf(&b, "0x%016x: ", address+uint64(off))
		n := 0
		for i := 0; i+size <= len(row); i += size {
			w, _ := fmt.Fprintf(&b, " "+itemFmt, width, byteArrayToUInt64(row[i:i+size]))
			n += w
		}
		b.WriteString(strings.Repeat(" ", itemsWidth-n))
		b.WriteString("  |")
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteString("|\n")
	}
	return b.String()
}

func byteArrayToUInt64(buf []byte) uint64 {
	var n uint64
	for i := len(buf) - 1; i >= 0; i-- {
		n = n<<8 + uint64(buf[i])
	}
	return n
}
