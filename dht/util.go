package dht

import (
	"math"
	"net"
	"strconv"
)

func expf(x float64) float64 { return math.Exp(x) }

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
