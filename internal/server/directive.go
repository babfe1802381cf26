// Package server recognizes the SEND routing directive inside chat lines.
package server

import (
	"net"
	"strings"
)

// DirectivePrefix introduces a routing directive.
const DirectivePrefix = "SEND "

// Sentinel terminates a relayed stream.
const Sentinel = '*'

// Directive routes a line and the stream that follows it to one peer.
// Fields are taken verbatim from the line; nothing checks that IP is an
// address or Port a number.
type Directive struct {
	IP       string
	Port     string
	Filename string
}

// Target returns the ip:port form used to look the peer up.
func (d Directive) Target() string {
	return net.JoinHostPort(d.IP, d.Port)
}

// ParseDirective recognizes "SEND <ip> <port> <filename>". Any other line,
// including a SEND line with the wrong number of fields, is chat and yields
// false.
func ParseDirective(line string) (Directive, bool) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, DirectivePrefix)
	if !ok {
		return Directive{}, false
	}
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return Directive{}, false
	}
	return Directive{IP: fields[0], Port: fields[1], Filename: fields[2]}, true
}
