package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arloliu/go-cas/cas"
	"github.com/arloliu/go-cas/mempv"
	"github.com/arloliu/go-cas/proto"
)

var errBadPVFlag = errors.New("pv must be given as name[:type]=value")

// pvDecl is a PV declared on the command line.
type pvDecl struct {
	name  string
	value *cas.Value
}

// parsePVFlag parses "name[:type]=value". The type defaults to double; a trailing
// ":type" is recognised only when it names a DBR type, since PV names often contain
// colons themselves.
func parsePVFlag(s string) (pvDecl, error) {
	lhs, text, ok := strings.Cut(s, "=")
	if !ok || lhs == "" {
		return pvDecl{}, fmt.Errorf("%w: %q", errBadPVFlag, s)
	}

	name, t := lhs, proto.DBRDouble
	if i := strings.LastIndexByte(lhs, ':'); i > 0 {
		if parsed, err := mempv.ParseType(lhs[i+1:]); err == nil {
			name, t = lhs[:i], parsed
		}
	}

	v, err := mempv.ParseValue(t, text)
	if err != nil {
		return pvDecl{}, fmt.Errorf("pv %s: %w", name, err)
	}

	return pvDecl{name: name, value: v}, nil
}
