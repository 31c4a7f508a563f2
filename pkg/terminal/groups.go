package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	runCmds
	dataCmds
	qemuCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Running the virtual machine", runCmds},
	{"Viewing registers and memory", dataCmds},
	{"Talking to QEMU", qemuCmds},
	{"Other commands", otherCmds},
}
