// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Location is a validated location message body.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Name      string
	Address   string
}

func isUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// ParseLocation parses "lat,lon[,accuracy]" followed by an optional name
// line and an address line.  Escaped newlines in the address are
// unescaped.  Additional lines are ignored.
func ParseLocation(b []byte) (*Location, error) {
	if !isUTF8(b) {
		return nil, invalid("location", "not UTF-8")
	}
	lines := strings.Split(string(b), "\n")

	coords := strings.Split(strings.TrimSpace(lines[0]), ",")
	if len(coords) < 2 || len(coords) > 3 {
		return nil, invalid("location.coordinates", "%d components", len(coords))
	}
	l := &Location{}
	var err error
	if l.Latitude, err = parseCoordinate(coords[0], 90); err != nil {
		return nil, invalid("location.latitude", "%v", err)
	}
	if l.Longitude, err = parseCoordinate(coords[1], 180); err != nil {
		return nil, invalid("location.longitude", "%v", err)
	}
	if len(coords) == 3 {
		acc, err := strconv.ParseFloat(strings.TrimSpace(coords[2]), 64)
		if err != nil || acc < 0 {
			return nil, invalid("location.accuracy", "%q", coords[2])
		}
		l.Accuracy = &acc
	}

	switch {
	case len(lines) == 2:
		l.Address = unescapeAddress(lines[1])
	case len(lines) >= 3:
		l.Name = lines[1]
		l.Address = unescapeAddress(lines[2])
	}
	return l, nil
}

func parseCoordinate(s string, bound float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if v < -bound || v > bound {
		return 0, fmt.Errorf("%v out of range", v)
	}
	return v, nil
}

func unescapeAddress(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// Encode returns the wire representation of l.
func (l *Location) Encode() []byte {
	var sb strings.Builder
	sb.WriteString(strconv.FormatFloat(l.Latitude, 'f', -1, 64))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatFloat(l.Longitude, 'f', -1, 64))
	if l.Accuracy != nil {
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatFloat(*l.Accuracy, 'f', -1, 64))
	}
	address := strings.ReplaceAll(l.Address, "\n", `\n`)
	switch {
	case l.Name != "":
		sb.WriteString("\n" + l.Name + "\n" + address)
	case l.Address != "":
		sb.WriteString("\n" + address)
	}
	return []byte(sb.String())
}
