//go:build linux

package backend

import (
	"net"
	"testing"

	"github.com/netguard/netguard/internal/model"
)

func TestPacketDirection(t *testing.T) {
	local := map[string]struct{}{"10.0.0.5": {}}

	tests := []struct {
		name       string
		src, dst   net.IP
		wantDirect model.Direction
	}{
		{"outbound", net.ParseIP("10.0.0.5"), net.ParseIP("93.184.216.34"), model.DirOutbound},
		{"inbound", net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5"), model.DirInbound},
		{"loopback-src", net.ParseIP("127.0.0.1"), net.ParseIP("127.0.0.1"), model.DirLoopback},
		{"unknown-src-falls-back-to-inbound", net.ParseIP("1.2.3.4"), net.ParseIP("5.6.7.8"), model.DirInbound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := packetDirection(tt.src, tt.dst, local); got != tt.wantDirect {
				t.Errorf("packetDirection(%v, %v) = %v, want %v", tt.src, tt.dst, got, tt.wantDirect)
			}
		})
	}
}
