/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import "strings"

// linkCapabSet is a bitmask of the TS6 capability tokens a peer link
// advertises on its CAPAB line, mirroring the bitmask-flag style used for
// client CAP negotiation in capabilities.go.
type linkCapabSet uint32

// Peer link capability bits (spec §4.5, component H). TB (topic burst) and
// EX/IE/REOP (exception/invite-exception/reop list bursting and relaying)
// are the ones the burst and SJOIN/BMASK handlers actually branch on; the
// rest, QS included, are accepted and echoed back during negotiation but
// otherwise inert.
const (
	CapabQS linkCapabSet = 1 << iota
	CapabEX
	CapabIE
	CapabENCAP
	CapabTB
	CapabCHW
	CapabKLN
	CapabCLUSTER
	CapabEUID
	CapabEOPMOD
	// CapabREOP is this relay's own extension, gating R-style (reop) ban
	// list bursting the same way EX/IE gate e/I (spec §4.6 step 3); it has
	// no TS6 real-network counterpart. We advertise it on every outbound
	// CAPAB line, but R lists are only bursted or relayed to peers that
	// advertised it too.
	CapabREOP
)

var linkCapabTokens = map[string]linkCapabSet{
	"QS":      CapabQS,
	"EX":      CapabEX,
	"IE":      CapabIE,
	"ENCAP":   CapabENCAP,
	"TB":      CapabTB,
	"CHW":     CapabCHW,
	"KLN":     CapabKLN,
	"CLUSTER": CapabCLUSTER,
	"EUID":    CapabEUID,
	"EOPMOD":  CapabEOPMOD,
	"REOP":    CapabREOP,
}

// parseLinkCapabs converts a space-separated CAPAB token list into a bitset.
// Unrecognized tokens are ignored rather than rejected, since a peer may
// legitimately advertise a capability we don't implement.
func parseLinkCapabs(tokens string) linkCapabSet {
	var set linkCapabSet
	for _, tok := range strings.Fields(tokens) {
		if bit, ok := linkCapabTokens[strings.ToUpper(tok)]; ok {
			set |= bit
		}
	}
	return set
}

// String renders the capability set back into the wire token list we
// advertise on our own CAPAB line.
func (c linkCapabSet) String() string {
	var toks []string
	for _, tok := range []string{"QS", "EX", "IE", "ENCAP", "TB", "CHW", "KLN", "CLUSTER", "EUID", "EOPMOD", "REOP"} {
		if c&linkCapabTokens[tok] != 0 {
			toks = append(toks, tok)
		}
	}
	return strings.Join(toks, " ")
}

// ourLinkCapabs is the capability set we advertise on outbound CAPAB lines.
const ourLinkCapabs = CapabQS | CapabEX | CapabIE | CapabENCAP | CapabTB | CapabEUID | CapabREOP
