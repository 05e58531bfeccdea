/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"strconv"
	"strings"
)

// ChannelMode is the fixed enumeration of simple (non-status) channel
// modes (spec §4.2). Letters are tracked in canonical order for rendering.
type ChannelMode uint64

const (
	ModeInviteOnly ChannelMode = 1 << iota // i
	ModeNoExternal                         // n
	ModePrivate                            // p
	ModeSecret                             // s
	ModeModerated                          // m
	ModeTopicRestricted                    // t
	ModeRegOnly                            // r — ERR_NEEDREGGEDNICK gate (spec §4.3.2)
	ModeReop                               // no wire letter in the fixed set; kept distinct from
	// ModeRegOnly per the Open Question resolution (see DESIGN.md):
	// the reop *list* bypass in can_join does not depend on this bit,
	// it exists only so the two concepts never share storage.
	ModeAnonymous // a
	ModeSSLOnly   // S
	ModeKey       // k, takes an argument
	ModeLimit     // l, takes an argument
)

// modeLetters gives the canonical rendering order from spec §4.2: "letters
// in canonical order". k and l are last because their arguments trail the
// simple letters in a MODE/SJOIN line.
var modeLetters = []struct {
	bit    ChannelMode
	letter byte
	arg    bool
}{
	{ModeInviteOnly, 'i', false},
	{ModeNoExternal, 'n', false},
	{ModePrivate, 'p', false},
	{ModeSecret, 's', false},
	{ModeModerated, 'm', false},
	{ModeTopicRestricted, 't', false},
	{ModeRegOnly, 'r', false},
	{ModeAnonymous, 'a', false},
	{ModeSSLOnly, 'S', false},
	{ModeKey, 'k', true},
	{ModeLimit, 'l', true},
}

func modeBitForLetter(c byte) (ChannelMode, bool, bool) {
	for _, m := range modeLetters {
		if m.letter == c {
			return m.bit, m.arg, true
		}
	}
	return 0, false, false
}

// ModeSnapshot is the mutable part of a channel's mode state, the unit
// TS reconciliation and the mode-diff engine both operate on.
type ModeSnapshot struct {
	Bits  ChannelMode
	Limit int
	Key   string
}

// ParseModeString parses a mode-string-with-args argv of the shape carried
// by MODE and SJOIN lines: a leading token like "+ntk" (or "+nt-s") followed
// by one positional argument per parameter-bearing letter, in letter order.
// It returns the resulting snapshot and how many argv entries it consumed.
// Per spec §4.3.5 step 1, running out of argv before a parameter-bearing
// letter is consumed is a malformed SJOIN and should drop the whole line.
func ParseModeString(base ModeSnapshot, modeStr string, args []string) (ModeSnapshot, int, error) {
	result := base
	adding := true
	argIdx := 0

	for i := 0; i < len(modeStr); i++ {
		c := modeStr[i]
		switch c {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}

		bit, hasArg, ok := modeBitForLetter(c)
		if !ok {
			continue // unknown letter: ignore rather than reject the whole line
		}

		if hasArg && adding {
			if argIdx >= len(args) {
				return ModeSnapshot{}, argIdx, ErrMalformedSJOIN
			}
			switch bit {
			case ModeKey:
				result.Key = args[argIdx]
			case ModeLimit:
				lim, err := strconv.Atoi(args[argIdx])
				if err != nil {
					return ModeSnapshot{}, argIdx, ErrMalformedSJOIN
				}
				result.Limit = lim
			}
			argIdx++
		} else if hasArg && !adding {
			// -k and -l take no argument on removal.
			if bit == ModeKey {
				result.Key = ""
			}
			if bit == ModeLimit {
				result.Limit = 0
			}
		}

		if adding {
			result.Bits |= bit
		} else {
			result.Bits &^= bit
		}
	}

	return result, argIdx, nil
}

// RenderModeString renders a snapshot back into "+<letters>" form (plus
// trailing args for k/l), hiding key and limit args from non-members per
// spec §4.2 channel_modes(ch, viewer) when isMember is false.
func RenderModeString(snap ModeSnapshot, isMember bool) (string, []string) {
	var letters strings.Builder
	var args []string

	letters.WriteByte('+')
	for _, m := range modeLetters {
		if snap.Bits&m.bit == 0 {
			continue
		}
		letters.WriteByte(m.letter)
		if m.arg && isMember {
			switch m.bit {
			case ModeKey:
				args = append(args, snap.Key)
			case ModeLimit:
				args = append(args, strconv.Itoa(snap.Limit))
			}
		}
	}

	if letters.Len() == 1 {
		return "", nil
	}
	return letters.String(), args
}

// ModeDiff is a rendered +/- transition ready to be batched into
// MAXMODEPARAMS-sized MODE lines by the caller.
type ModeDiff struct {
	Added   ChannelMode
	Removed ChannelMode
	Limit   *int    // non-nil if limit changed (nil if unchanged or removed without a new value)
	Key     *string // non-nil if key changed
}

// DiffModeSnapshots computes the minimal +/- change taking old to new
// (spec §4.2 "diff application"; spec §8 "mode diff idempotence").
func DiffModeSnapshots(old, new ModeSnapshot) ModeDiff {
	var d ModeDiff
	d.Added = new.Bits &^ old.Bits
	d.Removed = old.Bits &^ new.Bits

	if new.Bits&ModeLimit != 0 && new.Limit != old.Limit {
		l := new.Limit
		d.Limit = &l
	}
	if new.Bits&ModeKey != 0 && new.Key != old.Key {
		k := new.Key
		d.Key = &k
	}
	return d
}

// IsEmpty reports whether the diff represents no change at all.
func (d ModeDiff) IsEmpty() bool {
	return d.Added == 0 && d.Removed == 0 && d.Limit == nil && d.Key == nil
}

// RenderModeDiff turns a ModeDiff into one or more wire-ready MODE lines
// (command/params pairs), each carrying at most MaxModeParams parameter-
// bearing letters, per spec §4.2 batching and §8's "exactly MAXMODEPARAMS
// (3) ... produces exactly one MODE line; with 4 produces two lines".
func RenderModeDiff(d ModeDiff, newSnap ModeSnapshot) [][]string {
	type change struct {
		add    bool
		letter byte
		arg    string
	}

	var changes []change
	for _, m := range modeLetters {
		switch {
		case d.Added&m.bit != 0:
			arg := ""
			if m.bit == ModeKey && d.Key != nil {
				arg = *d.Key
			}
			if m.bit == ModeLimit && d.Limit != nil {
				arg = strconv.Itoa(*d.Limit)
			}
			changes = append(changes, change{true, m.letter, arg})
		case d.Removed&m.bit != 0:
			changes = append(changes, change{false, m.letter, ""})
		}
	}
	// A limit or key value-only change (bit already set on both sides) still
	// needs to be announced as a re-add.
	if d.Limit != nil && d.Added&ModeLimit == 0 && newSnap.Bits&ModeLimit != 0 {
		changes = append(changes, change{true, 'l', strconv.Itoa(*d.Limit)})
	}
	if d.Key != nil && d.Added&ModeKey == 0 && newSnap.Bits&ModeKey != 0 {
		changes = append(changes, change{true, 'k', *d.Key})
	}

	if len(changes) == 0 {
		return nil
	}

	var lines [][]string
	for start := 0; start < len(changes); {
		end, params := start, 0
		for end < len(changes) {
			if changes[end].arg != "" {
				if params == MaxModeParams {
					break
				}
				params++
			}
			end++
		}
		batch := changes[start:end]

		var letters strings.Builder
		var args []string
		lastAdd := batch[0].add
		letters.WriteByte(signByte(lastAdd))
		for _, c := range batch {
			if c.add != lastAdd {
				letters.WriteByte(signByte(c.add))
				lastAdd = c.add
			}
			letters.WriteByte(c.letter)
			if c.arg != "" {
				args = append(args, c.arg)
			}
		}

		line := append([]string{letters.String()}, args...)
		lines = append(lines, line)
		start = end
	}
	return lines
}

func signByte(add bool) byte {
	if add {
		return '+'
	}
	return '-'
}
