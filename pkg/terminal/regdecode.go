package terminal

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// regField is a single bit of a control register.
type regField struct {
	name  string
	bit   uint
	set   string
	clear string
}

var cr0Fields = []regField{
	{"PE", 0, "protected mode", "real mode"},
	{"MP", 1, "monitor coprocessor", "no monitor coprocessor"},
	{"EM", 2, "emulation", "no emulation"},
	{"TS", 3, "task switched", "task not switched"},
	{"ET", 4, "external math processor is 80387", "external math processor is 80287"},
	{"NE", 5, "numeric error", "no numeric error"},
	{"WP", 16, "supervisor write protect on RO user pages", "supervisor can write to RO user pages"},
	{"AM", 18, "alignment mask", "no alignment mask"},
	{"NW", 29, "write-through", "write-back"},
	{"CD", 30, "cache disable", "cache enable"},
	{"PG", 31, "paging enabled", "paging disabled"},
}

var eflagsFields = []regField{
	{"CF", 0, "carry", "no carry"},
	{"PF", 2, "parity", "no parity"},
	{"AF", 4, "auxiliary carry", "no auxiliary carry"},
	{"ZF", 6, "zero", "non-zero"},
	{"SF", 7, "negative", "non-negative"},
	{"TF", 8, "trap", "no trap"},
	{"IF", 9, "interrupts enabled", "interrupts disabled"},
	{"DF", 10, "direction", "no direction"},
	{"OF", 11, "overflow", "no overflow"},
	{"NT", 14, "nested task", "no nested task"},
	{"RF", 16, "resume", "no resume"},
	{"VM", 17, "virtual 8086 mode", "no virtual 8086 mode"},
	{"AC", 18, "alignment check", "no alignment check"},
	{"VIF", 19, "virtual interrupt flag", "no virtual interrupt flag"},
	{"VIP", 20, "virtual interrupt pending", "no virtual interrupt pending"},
	{"ID", 21, "identification", "no identification"},
}

// tcrEL1Bits are the single bit fields of the AArch64 TCR_EL1 register
// above the IPS field, HD is decoded separately.
var tcrEL1Bits = []regField{
	{"MTX1", 61, "[59:56] hold TT1 logical address tag", "no effect"},
	{"MTX0", 60, "[59:56] hold TT0 logical address tag", "no effect"},
	{"DS", 59, "", ""},
	{"TCMA1", 58, "EL1 accesses from EL1 and EL0 are unchecked", "no effect"},
	{"TCMA0", 57, "EL0 accesses from EL1 and EL0 are unchecked", "no effect"},
	{"E0PD1", 56, "EL0 translations of TT1 will fault", "EL0 translations of TT1 are allowed"},
	{"E0PD0", 55, "EL0 translations of TT0 will fault", "EL0 translations of TT0 are allowed"},
	{"NFD1", 54, "", ""},
	{"NFD0", 53, "", ""},
	{"TBID1", 52, "TCR_EL1.TBI1 applies to data accesses only", "TCR_EL1.TBI1 applies to instruction and data accesses"},
	{"TBID0", 51, "TCR_EL1.TBI0 applies to data accesses only", "TCR_EL1.TBI0 applies to instruction and data accesses"},
	{"HWU162", 50, "", ""},
	{"HWU161", 49, "", ""},
	{"HWU160", 48, "", ""},
	{"HWU159", 47, "", ""},
	{"HWU062", 46, "", ""},
	{"HWU061", 45, "", ""},
	{"HWU060", 44, "", ""},
	{"HWU059", 43, "", ""},
	{"HPD1", 42, "TT1 hierarchical permissions are disabled", "TT1 hierarchical permissions are enabled"},
	{"HPD0", 41, "TT0 hierarchical permissions are disabled", "TT0 hierarchical permissions are enabled"},
}

var (
	tcrIPS = []string{
		"32 bits, 4GB",
		"36 bits, 64GB",
		"40 bits, 1TB",
		"42 bits, 4TB",
		"44 bits, 16TB",
		"48 bits, 256TB",
		"52 bits, 4PB",
		"56 bits, 64PB (FEAT_D128, 64KiB granule only, otherwise reserved)",
	}
	tcrTG1       = []string{"invalid", "16KB", "4KB", "64KB"}
	tcrTG0       = []string{"4KB", "64KB", "16KB", "invalid"}
	tcrShare     = []string{"non-shareable", "invalid", "outer shareable", "inner shareable"}
	tcrCacheable = []string{
		"normal memory, %s non-cacheable",
		"normal memory, %s write-back read-allocate write-allocate cacheable",
		"normal memory, %s write-through read-allocate no write-allocate cacheable",
		"normal memory, %s write-back read-allocate no write-allocate cacheable",
	}
)

// registerDecoders maps lower case register names to the function
// printing their fields.
var registerDecoders = map[string]func(t *Term, v uint64){
	"cr0":     decodeCR0,
	"eflags":  decodeEFLAGS,
	"tcr_el1": decodeTCREL1,
}

func bit(v uint64, n uint) uint64 {
	return (v >> n) & 1
}

// bits returns the n bits of v starting at bit lo.
func bits(v uint64, lo, n uint) uint64 {
	return (v >> lo) & (1<<n - 1)
}

func printFields(w io.Writer, fields []regField, v uint64) {
	for _, f := range fields {
		desc := f.clear
		if bit(v, f.bit) == 1 {
			desc = f.set
		}
		if desc == "" {
			fmt.Fprintf(w, "reg:\t.%s\t= %d\n", f.name, bit(v, f.bit))
			continue
		}
		fmt.Fprintf(w, "reg:\t.%s\t= %d (%s)\n", f.name, bit(v, f.bit), desc)
	}
}

func decodeCR0(t *Term, v uint64) {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "reg: CR0\t\t= 0x%016x\n", v)
	fmt.Fprintf(w, "reg:\t\t= 0b%032b\n", v&0xffffffff)
	printFields(w, cr0Fields, v)
	fmt.Fprintf(w, "reg:\t.reserved[15:6]\t= 0b%010b\n", (v>>6)&0x3ff)
	fmt.Fprintf(w, "reg:\t.reserved[17]\t= 0b%01b\n", bit(v, 17))
	fmt.Fprintf(w, "reg:\t.reserved[28:19]\t= 0b%010b\n", (v>>19)&0x3ff)
	fmt.Fprintf(w, "reg:\t.reserved[63:32]\t= 0x%08x\n", v>>32)
	w.Flush()

	if bit(v, 18) == 1 {
		t.Println("reg: ", ansiYellow, "CR0.AM has no effect in rings 0, 1 or 2")
	}
	t.Println("reg: ", ansiYellow, "CR0.CD is shared by all logical cores of a physical core")
}

func decodeEFLAGS(t *Term, v uint64) {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "reg: EFLAGS\t\t= 0x%016x\n", v)
	fmt.Fprintf(w, "reg:\t\t= 0b%032b\n", v&0xffffffff)
	printFields(w, eflagsFields, v)
	iopl := (v >> 12) & 3
	fmt.Fprintf(w, "reg:\t.IOPL\t= %d (ring %d)\n", iopl, iopl)
	w.Flush()

	if bit(v, 1) == 0 {
		t.Println("reg: ", ansiYellow, "EFLAGS[1] is reserved and should be 1")
	}
	for _, n := range []uint{3, 5, 15} {
		if bit(v, n) == 1 {
			t.Println("reg: ", ansiYellow, fmt.Sprintf("EFLAGS[%d] is reserved and should be 0", n))
		}
	}
}

func decodeTCREL1(t *Term, v uint64) {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	field := func(name string, n uint64, desc string) {
		fmt.Fprintf(w, "reg:\t.%s\t= %d (%s)\n", name, n, desc)
	}

	fmt.Fprintf(w, "reg: TCR_EL1\t\t= 0x%016x\n", v)
	printFields(w, tcrEL1Bits, v)

	ha, hd := bit(v, 39), bit(v, 40)
	switch {
	case hd == 0:
		field("HD", hd, "dirty state is disabled")
	case ha == 0:
		field("HD", hd, "dirty state is disabled (HA=0)")
	default:
		field("HD", hd, "dirty state is enabled (HA=1)")
	}
	if ha == 1 {
		field("HA", ha, "access flag is enabled")
	} else {
		field("HA", ha, "access flag is disabled")
	}
	if bit(v, 38) == 1 {
		field("TBI1", 1, "TT1 top byte is ignored")
	} else {
		field("TBI1", 0, "TT1 top byte is used")
	}
	if bit(v, 37) == 1 {
		field("TBI0", 1, "TT0 top byte is ignored")
	} else {
		field("TBI0", 0, "TT0 top byte is used")
	}
	if bit(v, 36) == 1 {
		field("AS", 1, "ASID size is 16 bits")
	} else {
		field("AS", 0, "ASID size is 8 bits")
	}

	ips := bits(v, 32, 3)
	field("IPS", ips, tcrIPS[ips])
	tg1 := bits(v, 30, 2)
	field("TG1", tg1, "TT1 granule size is "+tcrTG1[tg1])
	sh1 := bits(v, 28, 2)
	field("SH1", sh1, "TT1 is "+tcrShare[sh1])
	orgn1 := bits(v, 26, 2)
	field("ORGN1", orgn1, "TT1 outer cacheability is "+fmt.Sprintf(tcrCacheable[orgn1], "outer"))
	irgn1 := bits(v, 24, 2)
	field("IRGN1", irgn1, "TT1 inner cacheability is "+fmt.Sprintf(tcrCacheable[irgn1], "inner"))
	if bit(v, 23) == 1 {
		field("EPD1", 1, "EL1 translations of TT1 will fault")
	} else {
		field("EPD1", 0, "EL1 translations of TT1 are allowed")
	}
	a1 := bit(v, 22)
	field("A1", a1, fmt.Sprintf("TTBR%d_EL1.ASID defines the ASID", a1))

	t1sz := bits(v, 16, 6)
	field("T1SZ", t1sz, fmt.Sprintf("TT1 region size is %d bits", 64-t1sz))
	// a zero size field means the region is the whole address space
	fmt.Fprintf(w, "reg:\t\t  0x%016x - 0xffffffffffffffff\n", 0-uint64(1)<<(64-t1sz))

	tg0 := bits(v, 14, 2)
	field("TG0", tg0, "TT0 granule size is "+tcrTG0[tg0])
	sh0 := bits(v, 12, 2)
	field("SH0", sh0, "TT0 is "+tcrShare[sh0])
	orgn0 := bits(v, 10, 2)
	field("ORGN0", orgn0, "TT0 outer cacheability is "+fmt.Sprintf(tcrCacheable[orgn0], "outer"))
	irgn0 := bits(v, 8, 2)
	field("IRGN0", irgn0, "TT0 inner cacheability is "+fmt.Sprintf(tcrCacheable[irgn0], "inner"))
	if bit(v, 7) == 1 {
		field("EPD0", 1, "EL1 translations of TT0 will fault")
	} else {
		field("EPD0", 0, "EL1 translations of TT0 are allowed")
	}

	t0sz := bits(v, 0, 6)
	field("T0SZ", t0sz, fmt.Sprintf("TT0 region size is %d bits", 64-t0sz))
	fmt.Fprintf(w, "reg:\t\t  0x0000000000000000 - 0x%016x\n", uint64(1)<<(64-t0sz)-1)
	w.Flush()

	if ips == 0b111 {
		t.Println("reg: ", ansiYellow, "TCR_EL1.IPS might have a reserved value, depending on granule size and FEAT_LPA2")
	}
	if tg1 == 0 {
		t.Println("reg: ", ansiYellow, "TCR_EL1.TG1 has a reserved value")
	}
	if tg0 == 3 {
		t.Println("reg: ", ansiYellow, "TCR_EL1.TG0 has a reserved value")
	}
}
