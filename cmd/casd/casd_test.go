package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/arloliu/go-cas/logger"
	"github.com/arloliu/go-cas/mempv"
	"github.com/arloliu/go-cas/proto"
	"github.com/arloliu/go-cas/server"
	"github.com/stretchr/testify/require"
)

func TestParsePVFlag(t *testing.T) {
	tests := []struct {
		description string
		flag        string
		expectErr   bool
		name        string
		dbrType     proto.DBRType
		formatted   string
	}{
		{description: "default double", flag: "demo:temp=21.5", name: "demo:temp", dbrType: proto.DBRDouble, formatted: "21.5"},
		{description: "explicit type", flag: "demo:mode:long=3", name: "demo:mode", dbrType: proto.DBRLong, formatted: "3"},
		{description: "dbr type name", flag: "wf:DBR_SHORT=1,2,3", name: "wf", dbrType: proto.DBRShort, formatted: "1,2,3"},
		{description: "string keeps equals", flag: "demo:msg:string=a=b", name: "demo:msg", dbrType: proto.DBRString, formatted: "a=b"},
		{description: "name without type", flag: "plain=1", name: "plain", dbrType: proto.DBRDouble, formatted: "1"},
		{description: "missing value", flag: "demo:temp", expectErr: true},
		{description: "missing name", flag: "=1", expectErr: true},
		{description: "bad number", flag: "demo:temp=warm", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			require := require.New(t)

			decl, err := parsePVFlag(tt.flag)
			if tt.expectErr {
				require.Error(err)
				return
			}
			require.NoError(err)
			require.Equal(tt.name, decl.name)
			require.Equal(tt.dbrType, decl.value.Type)
			require.Equal(tt.formatted, mempv.Format(decl.value))
		})
	}
}

func TestServeFlags_ConfigOptions(t *testing.T) {
	require := require.New(t)

	cmd := serveCmd()
	require.NoError(cmd.ParseFlags([]string{
		"--port", "6064",
		"--interface", "127.0.0.1",
		"--beacon-addr", "127.0.0.1,10.0.0.255:7000",
		"--no-auto-beacon",
	}))

	var flags serveFlags
	flags.port = 6064
	flags.interfaces = []string{"127.0.0.1"}
	flags.beaconAddrs = []string{"127.0.0.1", "10.0.0.255:7000"}
	flags.noAutoBeacon = true

	opts, err := flags.configOptions(cmd, logger.GetLogger())
	require.NoError(err)

	cfg, err := server.NewServerConfig(opts...)
	require.NoError(err)
	require.Equal(6064, cfg.ServerPort())
	require.False(cfg.AutoBeaconAddr())
	require.Len(cfg.Interfaces(), 1)
	require.Equal("127.0.0.1:5065", cfg.BeaconAddrs()[0].String())
	require.Equal("10.0.0.255:7000", cfg.BeaconAddrs()[1].String())

	flags.interfaces = []string{"::1x"}
	_, err = flags.configOptions(cmd, logger.GetLogger())
	require.Error(err)
}

func TestServeFlags_AddPVs(t *testing.T) {
	require := require.New(t)

	flags := serveFlags{
		pvs:         []string{"demo:temp=1"},
		readOnlyPVs: []string{"demo:mode:long=2"},
		heartbeat:   "demo:hb",
	}
	tool := mempv.NewTool(nil)
	require.NoError(flags.addPVs(tool))
	require.Equal([]string{"demo:hb", "demo:mode", "demo:temp"}, tool.Names())

	mode, ok := tool.Lookup("demo:mode")
	require.True(ok)
	require.Equal(proto.DBRLong, mode.BestExternalType())

	flags = serveFlags{pvs: []string{"dup=1", "dup=2"}}
	require.ErrorIs(flags.addPVs(mempv.NewTool(nil)), mempv.ErrDuplicatePV)
}

func TestVersionCmd(t *testing.T) {
	require := require.New(t)

	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	require.NoError(cmd.Execute())
	require.Equal("dev", strings.TrimSpace(out.String()))

	out.Reset()
	cmd = versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(cmd.Execute())
	require.Contains(out.String(), "Protocol:   CA V4.13")
}
