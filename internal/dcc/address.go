package dcc

import (
	"encoding/binary"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// EncodeIP packs a dotted-quad IPv4 address into the integer form used by
// DCC CTCP messages
func EncodeIP(address string) (uint32, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil || !addr.Is4() {
		return 0, &InvalidAddressError{Address: address}
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

// DecodeIP unpacks the DCC integer form into a dotted quad
func DecodeIP(value uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], value)
	return netip.AddrFrom4(b).String()
}

// parseWireAddress reads the address field of a DCC offer. Most clients send
// the integer form; some send a literal IP (always the case for IPv6).
func parseWireAddress(field string) (string, error) {
	if n, err := strconv.ParseUint(field, 10, 32); err == nil {
		return DecodeIP(uint32(n)), nil
	}
	if ip := net.ParseIP(field); ip != nil {
		return ip.String(), nil
	}
	return "", &InvalidAddressError{Address: field}
}

// wireAddress is the inverse of parseWireAddress: integer form for IPv4,
// the literal otherwise
func wireAddress(address string) string {
	if n, err := EncodeIP(address); err == nil {
		return strconv.FormatUint(uint64(n), 10)
	}
	return address
}
