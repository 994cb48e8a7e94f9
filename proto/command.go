package proto

import "strconv"

// Command is the opcode carried in the first field of every message header.
type Command uint16

const (
	CmdVersion          Command = 0
	CmdEventAdd         Command = 1
	CmdEventCancel      Command = 2
	CmdRead             Command = 3
	CmdWrite            Command = 4
	CmdSnapshot         Command = 5
	CmdSearch           Command = 6
	CmdBuild            Command = 7
	CmdEventsOff        Command = 8
	CmdEventsOn         Command = 9
	CmdReadSync         Command = 10
	CmdError            Command = 11
	CmdClearChannel     Command = 12
	CmdRsrvIsUp         Command = 13
	CmdNotFound         Command = 14
	CmdReadNotify       Command = 15
	CmdReadBuild        Command = 16
	CmdRepeaterConfirm  Command = 17
	CmdCreateChan       Command = 18
	CmdWriteNotify      Command = 19
	CmdClientName       Command = 20
	CmdHostName         Command = 21
	CmdAccessRights     Command = 22
	CmdEcho             Command = 23
	CmdRepeaterRegister Command = 24
	CmdSignal           Command = 25
	CmdCreateChFail     Command = 26
	CmdServerDisconn    Command = 27
)

// CommandCount is the number of defined opcodes; valid commands are below it.
const CommandCount = int(CmdServerDisconn) + 1

var commandNames = [CommandCount]string{
	"VERSION",
	"EVENT_ADD",
	"EVENT_CANCEL",
	"READ",
	"WRITE",
	"SNAPSHOT",
	"SEARCH",
	"BUILD",
	"EVENTS_OFF",
	"EVENTS_ON",
	"READ_SYNC",
	"ERROR",
	"CLEAR_CHANNEL",
	"RSRV_IS_UP",
	"NOT_FOUND",
	"READ_NOTIFY",
	"READ_BUILD",
	"REPEATER_CONFIRM",
	"CREATE_CHAN",
	"WRITE_NOTIFY",
	"CLIENT_NAME",
	"HOST_NAME",
	"ACCESS_RIGHTS",
	"ECHO",
	"REPEATER_REGISTER",
	"SIGNAL",
	"CREATE_CH_FAIL",
	"SERVER_DISCONN",
}

// String returns the protocol name of the command, or its number if unknown.
func (c Command) String() string {
	if int(c) < CommandCount {
		return commandNames[c]
	}

	return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is a defined opcode.
func (c Command) Valid() bool {
	return int(c) < CommandCount
}
