package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port
)

// decodePeers handles both the compact peer string (BEP 23) and the older
// dictionary-model peer list.
func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t), strideV4)
	case []byte:
		return decodeCompactPeers(t, strideV4)
	case []any:
		return decodeDictPeers(t)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", v)
	}
}

func decodeCompactPeers(data []byte, stride int) ([]netip.AddrPort, error) {
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers (len %d not a multiple of %d)", len(data), stride)
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		chunk := data[off : off+stride]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}
	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] not a dict", i)
		}

		ipStr, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] missing ip", i)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d] bad ip %q: %w", i, ipStr, err)
		}

		portVal, ok := m["port"].(int64)
		if !ok || portVal < 1 || portVal > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d] invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(portVal)))
	}

	return peers, nil
}
