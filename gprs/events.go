// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs

import (
	"strconv"
	"strings"

	"github.com/warthog618/ubloxmodem/info"
)

type eventKind int

const (
	eventUnknown eventKind = iota
	eventActivated
	eventDeactivated
)

// pdnEvent is a decoded +CGEV packet domain event.
type pdnEvent struct {
	kind eventKind
	id   int
}

// parseEvent decodes the PDN activation and deactivation forms of +CGEV,
//
//	+CGEV: NW PDN ACT <cid>[,<WLAN_Offload>]
//	+CGEV: ME PDN DEACT <cid>
//
// Other events are returned as eventUnknown.
func parseEvent(line string) pdnEvent {
	if !info.HasPrefix(line, "+CGEV") {
		return pdnEvent{}
	}
	f := strings.Fields(info.TrimPrefix(line, "+CGEV"))
	if len(f) < 4 || f[1] != "PDN" {
		return pdnEvent{}
	}
	if f[0] != "NW" && f[0] != "ME" {
		return pdnEvent{}
	}
	var kind eventKind
	switch f[2] {
	case "ACT":
		kind = eventActivated
	case "DEACT":
		kind = eventDeactivated
	default:
		return pdnEvent{}
	}
	idf := f[3]
	if idx := strings.IndexByte(idf, ','); idx >= 0 {
		idf = idf[:idx]
	}
	id, err := strconv.Atoi(idf)
	if err != nil || !validID(id) {
		return pdnEvent{}
	}
	return pdnEvent{kind: kind, id: id}
}
